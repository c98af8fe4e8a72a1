// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// invokeTimeout bounds a single inference call.
const invokeTimeout = 30 * time.Second

// DaemonInvoker implements Invoker against a local Ollama daemon.
//
// # Description
//
// Media payloads are base64-encoded into the generate request's images
// field, matching the daemon's vision-model API. The qualified model ID's
// provider prefix is stripped before the call; only daemon-served models
// can be invoked through this implementation.
type DaemonInvoker struct {
	BaseURL string

	// HTTPClient defaults to a client with the invoke timeout.
	HTTPClient *http.Client
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Invoke implements Invoker.
func (d *DaemonInvoker) Invoke(ctx context.Context, modelID, prompt string, media [][]byte) (string, error) {
	name := strings.TrimPrefix(modelID, string(catalog.ProviderOllama)+"/")

	images := make([]string, 0, len(media))
	for _, m := range media {
		images = append(images, base64.StdEncoding.EncodeToString(m))
	}

	body, err := json.Marshal(generateRequest{
		Model:  name,
		Prompt: prompt,
		Images: images,
		Stream: false,
	})
	if err != nil {
		return "", mmerrors.Wrap(mmerrors.KindInvalidInput, "marshaling generate request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(d.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", mmerrors.Wrap(mmerrors.KindInvalidInput, "creating generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: invokeTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", mmerrors.Timeout(string(catalog.ProviderOllama), "inference")
		}
		return "", mmerrors.BackendUnavailable(string(catalog.ProviderOllama), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", mmerrors.NotFound(string(catalog.ProviderOllama), name)
	}
	if resp.StatusCode != http.StatusOK {
		return "", mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("generate returned status %d", resp.StatusCode), nil)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", mmerrors.Wrap(mmerrors.KindBackendUnavailable, "parsing generate response", err)
	}
	return out.Response, nil
}

// Compile-time interface compliance check.
var _ Invoker = (*DaemonInvoker)(nil)
