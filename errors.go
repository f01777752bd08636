/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Game core failures. All of these are recoverable: they are reported to
// the offending connection as a rejection message and never tear down the
// session or the connection.
var (
	ErrGameNotFound    = errors.New("no game with that code")
	ErrUnauthorized    = errors.New("token or role mismatch")
	ErrInvalidPhase    = errors.New("operation not legal in current phase")
	ErrAlreadyAnswered = errors.New("already answered this question")
	ErrStaleQuestion   = errors.New("answer targets a previous question")
	ErrOutOfRange      = errors.New("photo index out of range")
	ErrMalformed       = errors.New("unparsable message")
)

// rejectionCode maps a core error to the wire-level code sent back to the
// offending connection.
func rejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrGameNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, ErrStaleQuestion):
		return "stale_question"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "internal"
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
