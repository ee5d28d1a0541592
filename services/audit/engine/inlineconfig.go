// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianAudit/services/audit/datatypes"
	"github.com/AleutianAI/AleutianAudit/services/audit/fingerprint"
)

// validate is the shared struct validator for inline config blocks.
var validate = validator.New(validator.WithRequiredStructEnabled())

// InlineConfig is the recognized content of a gan-config fenced block.
//
// Unknown keys are ignored with a warning; invalid values reject the
// request.
type InlineConfig struct {
	// Task is a free-form task description handed to the auditor.
	Task string `json:"task"`

	// Scope constrains what the auditor examines.
	Scope string `json:"scope" validate:"omitempty,oneof=diff paths workspace"`

	// Threshold overrides the tier 1 score threshold for this audit.
	Threshold int `json:"threshold" validate:"omitempty,min=1,max=100"`

	// MaxCycles overrides the hard-stop cap for this session, subject
	// to the server-side ceiling.
	MaxCycles int `json:"maxCycles" validate:"omitempty,min=1"`

	// Judges names the judge models to use.
	Judges []string `json:"judges"`

	// Candidates is the auditor's internal candidate count.
	Candidates int `json:"candidates" validate:"omitempty,min=1"`
}

// recognizedConfigKeys is the closed key set for warning on unknowns.
var recognizedConfigKeys = map[string]bool{
	"task":       true,
	"scope":      true,
	"threshold":  true,
	"maxCycles":  true,
	"judges":     true,
	"candidates": true,
}

// parseInlineConfig extracts and validates the gan-config block from a
// thought.
//
// Outputs:
//
//	*InlineConfig - The parsed options, or nil when no block exists.
//	error - KindInputInvalid when the block is malformed JSON or a
//	    recognized key has an invalid value.
func parseInlineConfig(thought string, logger *slog.Logger) (*InlineConfig, error) {
	body := fingerprint.ExtractConfigBlock(thought)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	// First pass over raw keys so unknowns warn instead of failing.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInputInvalid,
			"inline audit-config block is not valid JSON", err)
	}
	for key := range raw {
		if !recognizedConfigKeys[key] {
			logger.Warn("Ignoring unknown inline config key",
				slog.String("key", key),
			)
			delete(raw, key)
		}
	}

	known, err := json.Marshal(raw)
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindInputInvalid,
			"inline audit-config block could not be processed", err)
	}

	var cfg InlineConfig
	if err := json.Unmarshal(known, &cfg); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInputInvalid,
			"inline audit-config values have wrong types", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, datatypes.WrapError(datatypes.KindInputInvalid,
			fmt.Sprintf("inline audit-config values out of range: %v", err), err)
	}
	return &cfg, nil
}
