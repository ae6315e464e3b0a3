// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTIA/services/tia/digest"
)

// AgentOptions is what the build-tool binding hands to each test process:
// which server to talk to and which project and digest the process runs
// under.
//
// The encoded form is a comma separated list of key=value pairs, with list
// values joined by semicolons:
//
//	digest=<hex>,force=false,port=4711,project=g:a,reactorDeps=a;b,classRoots=c
//
// Values are percent-escaped where they contain one of the separators.
type AgentOptions struct {
	Digest      digest.Digest
	Force       bool
	Port        int
	Project     string
	ReactorDeps []string
	ClassRoots  []string
	Debug       bool
}

const (
	keyDigest      = "digest"
	keyForce       = "force"
	keyPort        = "port"
	keyProject     = "project"
	keyReactorDeps = "reactorDeps"
	keyClassRoots  = "classRoots"
	keyDebug       = "debug"
)

// String encodes the options. Empty lists are omitted; debug is emitted
// only when set.
func (o AgentOptions) String() string {
	parts := []string{
		keyDigest + "=" + escape(string(o.Digest)),
		keyForce + "=" + strconv.FormatBool(o.Force),
		keyPort + "=" + strconv.Itoa(o.Port),
		keyProject + "=" + escape(o.Project),
	}
	if len(o.ReactorDeps) > 0 {
		parts = append(parts, keyReactorDeps+"="+joinList(o.ReactorDeps))
	}
	if len(o.ClassRoots) > 0 {
		parts = append(parts, keyClassRoots+"="+joinList(o.ClassRoots))
	}
	if o.Debug {
		parts = append(parts, keyDebug+"=true")
	}
	return strings.Join(parts, ",")
}

// Addr is the loopback address of the server the options point at.
func (o AgentOptions) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(o.Port)
}

// JavaAgentArg renders the options as a -javaagent argument for jar. With
// no jar the bare encoded options are returned.
func (o AgentOptions) JavaAgentArg(jar string) string {
	if jar == "" {
		return o.String()
	}
	return "-javaagent:" + jar + "=" + o.String()
}

// PrependTo returns the agent argument followed by an existing argument
// line, so options already configured for the test process are kept.
func (o AgentOptions) PrependTo(argLine, jar string) string {
	argLine = strings.TrimSpace(argLine)
	if argLine == "" {
		return o.JavaAgentArg(jar)
	}
	return o.JavaAgentArg(jar) + " " + argLine
}

// ParseAgentOptions decodes the form produced by AgentOptions.String.
// Unknown keys are ignored so older agents accept newer bindings.
//
// # Outputs
//
//   - AgentOptions: The decoded options.
//   - error: ErrInvalidOptions for a malformed pair, a bad boolean or port,
//     a missing project or an invalid digest.
func ParseAgentOptions(s string) (AgentOptions, error) {
	var o AgentOptions
	for _, pair := range strings.Split(strings.TrimSpace(s), ",") {
		if pair == "" {
			continue
		}
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return AgentOptions{}, fmt.Errorf("%w: %q is not key=value", ErrInvalidOptions, pair)
		}
		var err error
		switch key {
		case keyDigest:
			var v string
			if v, err = unescape(raw); err == nil {
				o.Digest = digest.Normalize(v)
			}
		case keyForce:
			o.Force, err = strconv.ParseBool(raw)
		case keyPort:
			o.Port, err = strconv.Atoi(raw)
		case keyProject:
			o.Project, err = unescape(raw)
		case keyReactorDeps:
			o.ReactorDeps, err = splitList(raw)
		case keyClassRoots:
			o.ClassRoots, err = splitList(raw)
		case keyDebug:
			o.Debug, err = strconv.ParseBool(raw)
		}
		if err != nil {
			return AgentOptions{}, fmt.Errorf("%w: %s: %w", ErrInvalidOptions, key, err)
		}
	}

	if o.Project == "" {
		return AgentOptions{}, fmt.Errorf("%w: project is required", ErrInvalidOptions)
	}
	if !digest.Valid(string(o.Digest)) {
		return AgentOptions{}, fmt.Errorf("%w: digest %q", ErrInvalidOptions, o.Digest)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return AgentOptions{}, fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port)
	}
	return o, nil
}

var escaper = strings.NewReplacer("%", "%25", ",", "%2C", ";", "%3B", "=", "%3D", " ", "%20")

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) (string, error) {
	return url.PathUnescape(s)
}

func joinList(items []string) string {
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = escape(item)
	}
	return strings.Join(escaped, ";")
}

func splitList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		v, err := unescape(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
