// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/prompts"
)

// =============================================================================
// TYPES
// =============================================================================

// Target identifies what the engagement is aimed at.
type Target struct {
	Host   string `json:"host"`
	IP     string `json:"ip"`
	Ports  []int  `json:"ports"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// Primary returns the IP, host or domain, in that order, or "target".
func (t Target) Primary() string {
	for _, v := range []string{t.IP, t.Host, t.Domain} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return unknownTarget
}

// unknownTarget is the Primary of a request that named no host.
const unknownTarget = "target"

// Scope is what the request allows and forbids.
type Scope struct {
	Allowed     []string `json:"allowed_attacks"`
	Forbidden   []string `json:"forbidden_attacks"`
	Goals       []string `json:"specific_goals"`
	Constraints []string `json:"constraints"`
}

// Request is a parsed operator request.
type Request struct {
	Target   Target `json:"target"`
	Scope    Scope  `json:"attacks"`
	Original string `json:"-"`
	Cleaned  string `json:"cleaned_description"`
}

// Description renders the request for prompts: the target first, then the
// cleaned goal, ports of interest and forbidden attacks.
func (r Request) Description() string {
	var sb strings.Builder
	if p := r.Target.Primary(); p != unknownTarget {
		fmt.Fprintf(&sb, "Target: %s. ", p)
	}
	sb.WriteString(r.Cleaned)
	if len(r.Target.Ports) > 0 {
		ports := make([]string, len(r.Target.Ports))
		for i, p := range r.Target.Ports {
			ports[i] = strconv.Itoa(p)
		}
		fmt.Fprintf(&sb, " Focus on ports: %s.", strings.Join(ports, ", "))
	}
	if len(r.Scope.Forbidden) > 0 {
		fmt.Fprintf(&sb, " FORBIDDEN: %s.", strings.Join(r.Scope.Forbidden, ", "))
	}
	return sb.String()
}

// =============================================================================
// PARSING
// =============================================================================

// PERFORMANCE: Pre-compiled regex
var (
	fencedObjectPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	bareObjectPattern   = regexp.MustCompile(`(?s)\{.*\}`)

	ipv4Pattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	targetNamePattern = regexp.MustCompile(`(?i)target[:\s]+([a-zA-Z0-9.-]+)`)
	portPattern       = regexp.MustCompile(`(?i)(?:port\s+(\d+)|:(\d+))`)
	notAllowedPattern = regexp.MustCompile(`(?is)not\s+allowed[:\s]*(.+?)(?:\n\n|$)`)
	forbiddenSplit    = regexp.MustCompile(`[,\n\d+.]`)
)

// maxFallbackPorts bounds the ports kept by the regex fallback.
const maxFallbackPorts = 3

var errNoJSON = errors.New("no JSON object in response")

// ParseRequest asks the model to extract the target and scope from input,
// on a fresh conversation. When the reply is unusable the regex fallback
// is used.
func ParseRequest(ctx context.Context, sender llm.Sender, input string) Request {
	reply, _ := sender.Send(ctx, prompts.ParseTarget(input), "", llm.WithoutRecord())
	req, err := decodeRequest(reply)
	if err != nil {
		return FallbackParse(input)
	}
	req.Original = input
	if strings.TrimSpace(req.Cleaned) == "" {
		req.Cleaned = input
	}
	return req
}

func decodeRequest(reply string) (Request, error) {
	var req Request
	if llm.IsErrorResponse(reply) {
		return req, errors.New(strings.TrimSpace(reply))
	}

	var raw string
	if m := fencedObjectPattern.FindStringSubmatch(reply); m != nil {
		raw = m[1]
	} else if m := bareObjectPattern.FindString(reply); m != "" {
		raw = m
	} else {
		return req, errNoJSON
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// FallbackParse extracts the target with regular expressions: the first
// non-loopback IPv4 address, a "target: name" phrase, ports outside the
// "not allowed" section and the forbidden list itself.
func FallbackParse(input string) Request {
	var req Request
	req.Original = input

	for _, ip := range ipv4Pattern.FindAllString(input, -1) {
		if !strings.HasPrefix(ip, "127.") {
			req.Target.IP = ip
			break
		}
	}
	for _, m := range targetNamePattern.FindAllStringSubmatch(input, -1) {
		if !strings.EqualFold(m[1], "localhost") {
			req.Target.Host = m[1]
			break
		}
	}

	var forbiddenText string
	if m := notAllowedPattern.FindStringSubmatch(input); m != nil {
		forbiddenText = m[1]
		for _, item := range forbiddenSplit.Split(forbiddenText, -1) {
			if item = strings.TrimRight(strings.TrimSpace(item), "."); item != "" {
				req.Scope.Forbidden = append(req.Scope.Forbidden, item)
			}
		}
	}

	for _, m := range portPattern.FindAllStringSubmatch(input, -1) {
		p := m[1]
		if p == "" {
			p = m[2]
		}
		if p == "" || strings.Contains(forbiddenText, p) {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			req.Target.Ports = append(req.Target.Ports, n)
		}
		if len(req.Target.Ports) == maxFallbackPorts {
			break
		}
	}

	req.Cleaned = "Perform penetration testing on target " + req.Target.Primary()
	return req
}
