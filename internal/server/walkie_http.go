package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/walkie"
)

// walkieInfoPayload describes how to reach the walkie pages, including
// the LAN transmitter URL a phone needs.
func (s *Server) walkieInfoPayload() map[string]any {
	wc := s.cfg.Walkie
	scheme := "http"
	port := s.cfg.Port
	if wc.EnableTLS {
		scheme = "https"
		port = wc.TLSPort
	}
	lanIP := lanIPGuess()
	transmitterHost := lanIP
	if transmitterHost == "" {
		transmitterHost = "127.0.0.1"
	}

	payload := map[string]any{
		"tls_enabled":              wc.EnableTLS,
		"tls_ready":                s.walkieTLSReady(),
		"tls_port":                 wc.TLSPort,
		"tls_cert_path":            wc.TLSCertPath,
		"tls_key_path":             wc.TLSKeyPath,
		"tls_cert_exists":          fileExists(wc.TLSCertPath),
		"tls_key_exists":           fileExists(wc.TLSKeyPath),
		"active_sessions":          s.relay.ActiveSessions(),
		"transmitter_url_template": fmt.Sprintf("%s://<LAN_IP>:%d/walkie/transmitter", scheme, port),
		"transmitter_lan_url":      fmt.Sprintf("%s://%s:%d/walkie/transmitter", scheme, transmitterHost, port),
		"receiver_local_url":       fmt.Sprintf("%s://127.0.0.1:%d/walkie/receiver", scheme, port),
	}
	if lanIP != "" {
		payload["lan_ip"] = lanIP
	}
	return payload
}

// lanIPGuess resolves the outbound interface address without sending
// any traffic.
func lanIPGuess() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// guardWalkieJSON rejects walkie API calls while the required HTTPS
// mirror is not serving.
func (s *Server) guardWalkieJSON(c *gin.Context) bool {
	if s.walkieTLSReady() {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "walkie_tls_unavailable",
		"message": "Walkie TLS is enabled but cert/key is missing or HTTPS server not ready.",
		"info":    s.walkieInfoPayload(),
	})
	return false
}

func (s *Server) handleWalkiePage(page string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.walkieTLSReady() {
			c.Header("Content-Type", "text/html; charset=utf-8")
			c.String(http.StatusServiceUnavailable,
				"<html><body><h1>Walkie %s unavailable</h1><p>TLS is enabled but the HTTPS mirror is not ready.</p></body></html>", page)
			return
		}
		c.File(filepath.Join(s.cfg.Walkie.PagesDir, page+".html"))
	}
}

func (s *Server) handleWalkieInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "walkie": s.walkieInfoPayload()})
}

func (s *Server) handleWalkieCreate(c *gin.Context) {
	if !s.guardWalkieJSON(c) {
		return
	}
	var req struct {
		FlowRunID string `json:"flow_run_id"`
	}
	c.ShouldBindJSON(&req)
	flowRunID := s.runs.Normalize(req.FlowRunID)

	res, err := s.relay.Create(flowRunID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": walkie.ErrorCode(err)})
		return
	}

	base := fmt.Sprintf("http://%s", c.Request.Host)
	transmitterURL, _ := s.walkieInfoPayload()["transmitter_lan_url"].(string)
	c.JSON(http.StatusOK, gin.H{
		"status":                    "ok",
		"session_id":                res.SessionID,
		"pair_code":                 res.PairCode,
		"receiver_token":            res.ReceiverToken,
		"expires_at":                res.ExpiresAtMs,
		"receiver_url":              base + "/walkie/receiver",
		"transmitter_url":           transmitterURL,
		"transmitter_url_with_code": transmitterURL + "?pair_code=" + res.PairCode,
		"flow_run_id":               res.FlowRunID,
	})
}

func (s *Server) handleWalkieJoin(c *gin.Context) {
	if !s.guardWalkieJSON(c) {
		return
	}
	var req struct {
		PairCode string `json:"pair_code"`
	}
	c.ShouldBindJSON(&req)

	res, err := s.relay.Join(req.PairCode)
	if err != nil {
		c.JSON(walkieJoinStatus(err), gin.H{"error": walkie.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"session_id":        res.SessionID,
		"transmitter_token": res.TransmitterToken,
		"expires_at":        res.ExpiresAtMs,
		"flow_run_id":       res.FlowRunID,
	})
}

func (s *Server) handleWalkiePush(c *gin.Context) {
	if !s.guardWalkieJSON(c) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
		To        string `json:"to"`
		Type      string `json:"type"`
		Payload   any    `json:"payload"`
	}
	c.ShouldBindJSON(&req)

	err := s.relay.Push(req.SessionID, req.Token, walkie.Role(req.To), req.Type, req.Payload)
	if err != nil {
		c.JSON(walkieAuthStatus(err), gin.H{"error": walkie.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWalkiePull(c *gin.Context) {
	if !s.guardWalkieJSON(c) {
		return
	}
	timeoutMs := 25000
	if raw := c.Query("timeout_ms"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			timeoutMs = n
		}
	}

	role, signals, err := s.relay.Pull(
		c.Request.Context(),
		c.Query("session_id"),
		c.Query("token"),
		time.Duration(timeoutMs)*time.Millisecond,
	)
	if err != nil {
		if errors.Is(err, c.Request.Context().Err()) && c.Request.Context().Err() != nil {
			// Client went away mid-poll.
			return
		}
		c.JSON(walkieAuthStatus(err), gin.H{"error": walkie.ErrorCode(err)})
		return
	}
	if role == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "messages": []walkie.Signal{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "role": role, "messages": signals})
}

func (s *Server) handleWalkieClose(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	c.ShouldBindJSON(&req)

	if _, err := s.relay.Close(req.SessionID, req.Token); err != nil {
		c.JSON(walkieAuthStatus(err), gin.H{"error": walkie.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// walkieAuthStatus maps relay errors for push, pull and close.
func walkieAuthStatus(err error) int {
	switch {
	case errors.Is(err, walkie.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, walkie.ErrInvalidToRole),
		errors.Is(err, walkie.ErrInvalidSignalType),
		errors.Is(err, walkie.ErrCannotSignalSameRole):
		return http.StatusBadRequest
	}
	return http.StatusUnauthorized
}

// walkieJoinStatus maps relay errors for the join handshake, where an
// expired session is gone rather than unauthorized.
func walkieJoinStatus(err error) int {
	switch {
	case errors.Is(err, walkie.ErrMissingPairCode):
		return http.StatusBadRequest
	case errors.Is(err, walkie.ErrPairCodeNotFound), errors.Is(err, walkie.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, walkie.ErrSessionExpired):
		return http.StatusGone
	}
	return http.StatusUnauthorized
}
