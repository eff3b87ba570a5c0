package lesson

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/mailbox"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/rules"
	"github.com/lecternhq/lectern/internal/runlog"
)

type fixture struct {
	expander *Expander
	mail     *mailbox.Registry
	rulesDir string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	rulesDir := t.TempDir()
	mail := mailbox.NewRegistry()
	log := runlog.New(runlog.Options{LogsDir: t.TempDir(), Logger: zerolog.Nop()})
	d := dispatch.New(mail, log)
	return fixture{
		expander: New(rules.NewStore(rulesDir), d, log),
		mail:     mail,
		rulesDir: rulesDir,
	}
}

func pkg(bookType, text string) message.Message {
	return message.Message{
		Kind:         message.KindLessonPackage,
		BookType:     bookType,
		TextbookText: text,
	}
}

func TestExpand_InvalidPackage(t *testing.T) {
	f := newFixture(t)
	cases := []message.Message{
		pkg("", "text"),
		pkg("book", ""),
		pkg("book", "   "),
		pkg("!!!", "text"), // book type reduces to empty key
	}
	for i, m := range cases {
		if _, err := f.expander.Expand("teacher", m); !errors.Is(err, ErrInvalidLessonPackage) {
			t.Errorf("case %d: err = %v, want ErrInvalidLessonPackage", i, err)
		}
	}
	if depths := f.mail.Depths(); depths["ai"] != 0 {
		t.Errorf("ai depth = %d, want 0 after invalid packages", depths["ai"])
	}
}

func TestExpand_ProducesOrderedTriple(t *testing.T) {
	f := newFixture(t)
	packageID, err := f.expander.Expand("teacher", pkg("letsgo", "  Unit 3: Weather  "))
	if err != nil {
		t.Fatal(err)
	}
	if packageID == "" {
		t.Fatal("empty package id")
	}

	msgs, _ := f.mail.Drain("ai")
	if len(msgs) != 3 {
		t.Fatalf("ai mailbox = %d messages, want 3", len(msgs))
	}

	wantKinds := []message.Kind{message.KindRulePrompt, message.KindTextbookContent, message.KindKickoffPrompt}
	for i, env := range msgs {
		if env.Message.Kind != wantKinds[i] {
			t.Errorf("msgs[%d].Kind = %q, want %q", i, env.Message.Kind, wantKinds[i])
		}
		if env.Message.PackageID != packageID {
			t.Errorf("msgs[%d].PackageID = %q, want %q", i, env.Message.PackageID, packageID)
		}
		if env.From != "system" {
			t.Errorf("msgs[%d].From = %q, want system", i, env.From)
		}
	}

	if msgs[1].Message.Text != "Unit 3: Weather" {
		t.Errorf("textbook text = %q, want trimmed verbatim", msgs[1].Message.Text)
	}

	// Rule and content expect no reply; the kickoff does.
	if !msgs[0].Message.Flags.NoReturnExpected || !msgs[1].Message.Flags.NoReturnExpected {
		t.Error("rule/content should be flagged no_return_expected")
	}
	if msgs[2].Message.Flags.NoReturnExpected {
		t.Error("kickoff should expect a reply")
	}
}

func TestExpand_FallbackTextsWhenStoreEmpty(t *testing.T) {
	f := newFixture(t)
	if _, err := f.expander.Expand("teacher", pkg("unknown_book", "T")); err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.mail.Drain("ai")
	if !strings.Contains(msgs[0].Message.Text, "unknown_book") {
		t.Errorf("rule fallback = %q, want book type mentioned", msgs[0].Message.Text)
	}
	if !strings.Contains(msgs[2].Message.Text, "greet the student") {
		t.Errorf("kickoff fallback = %q", msgs[2].Message.Text)
	}
}

func TestExpand_UsesRuleStoreTexts(t *testing.T) {
	f := newFixture(t)
	os.WriteFile(filepath.Join(f.rulesDir, "letsgo.txt"), []byte("store rules"), 0o644)
	os.WriteFile(filepath.Join(f.rulesDir, "letsgo_kickoff.txt"), []byte("store kickoff"), 0o644)

	if _, err := f.expander.Expand("teacher", pkg("letsgo", "T")); err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.mail.Drain("ai")
	if msgs[0].Message.Text != "store rules" {
		t.Errorf("rule text = %q, want store rules", msgs[0].Message.Text)
	}
	if msgs[2].Message.Text != "store kickoff" {
		t.Errorf("kickoff text = %q, want store kickoff", msgs[2].Message.Text)
	}
}

func TestExpand_PropagatesMetaAndPackageID(t *testing.T) {
	f := newFixture(t)
	m := pkg("letsgo", "T")
	m.ID = "pkg-fixed"
	m.Meta = &message.Meta{FlowRunID: "log5"}

	packageID, err := f.expander.Expand("teacher", m)
	if err != nil {
		t.Fatal(err)
	}
	if packageID != "pkg-fixed" {
		t.Errorf("package id = %q, want pkg-fixed (caller-supplied)", packageID)
	}
	msgs, _ := f.mail.Drain("ai")
	for i, env := range msgs {
		if env.Message.Meta == nil || env.Message.Meta.FlowRunID != "log5" {
			t.Errorf("msgs[%d].Meta = %+v, want flow run log5", i, env.Message.Meta)
		}
	}
}

func TestExpand_Determinism(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := f.expander.Expand("teacher", pkg("b", "T")); err != nil {
			t.Fatal(err)
		}
		msgs, _ := f.mail.Drain("ai")
		if len(msgs) != 3 {
			t.Fatalf("round %d: %d messages, want 3", i, len(msgs))
		}
	}
}
