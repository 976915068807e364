// Centralized input validation for RPC parameters. All failures are
// ValidationError values whose messages are safe to return to the caller.

package serve

import (
	"encoding/base64"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxModelIDLength    = 512
	maxTextInputLength  = 1 << 20 // 1 MiB of prompt text
	maxLocalPathLength  = 4096
	maxStopSequences    = 10
	maxStopSequenceLen  = 100
	maxStopTokenIDs     = 100
	maxStopTokenIDValue = 1_000_000
	maxSeed             = 1<<32 - 1
	maxImageBytes       = 10 * 1024 * 1024
)

var modelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-./@:]+$`)

// ValidateModelID checks length, charset and path-traversal attempts.
// URI schemes (hf://, file://) and @revision syntax are allowed.
func ValidateModelID(modelID string) (string, error) {
	if modelID == "" {
		return "", validationErrorf("model_id is required")
	}
	if len(modelID) > maxModelIDLength {
		return "", validationErrorf("model_id too long (%d chars, max %d)", len(modelID), maxModelIDLength)
	}
	if strings.Contains(modelID, "..") || !modelIDPattern.MatchString(modelID) {
		return "", validationErrorf("model_id contains invalid characters or path traversal attempts")
	}
	return modelID, nil
}

func validateTextInput(text, paramName string, maxLength int) error {
	if len(text) > maxLength {
		return validationErrorf("%s too long (%d chars, max %d)", paramName, len(text), maxLength)
	}
	return nil
}

// GenerateParams is the wire shape shared by generate, continuous_generate and
// the batch variants.
type GenerateParams struct {
	ModelID       string   `json:"model_id"`
	Prompt        string   `json:"prompt"`
	StreamID      string   `json:"stream_id,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	StopTokenIDs  []int    `json:"stop_token_ids,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	TimeoutMs     *int64   `json:"timeout_ms,omitempty"`
	Priority      *int     `json:"priority,omitempty"`
	Image         string   `json:"image,omitempty"`
}

// ValidateGenerationParams enforces the configured generation bounds.
func ValidateGenerationParams(p *GenerateParams, cfg *Config) error {
	if p.MaxTokens != nil {
		if *p.MaxTokens < 1 {
			return validationErrorf("max_tokens must be positive, got %d", *p.MaxTokens)
		}
		if *p.MaxTokens > cfg.Model.MaxGenerationTokens {
			return validationErrorf("max_tokens too large (%d, max %d)", *p.MaxTokens, cfg.Model.MaxGenerationTokens)
		}
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 {
			return validationErrorf("temperature must be non-negative, got %g", *p.Temperature)
		}
		if *p.Temperature > cfg.Model.MaxTemperature {
			return validationErrorf("temperature too large (%g, max %g)", *p.Temperature, cfg.Model.MaxTemperature)
		}
	}
	if p.TopP != nil {
		if *p.TopP <= 0 || *p.TopP > 1 {
			return validationErrorf("top_p must be in (0, 1], got %g", *p.TopP)
		}
	}
	if len(p.StopSequences) > maxStopSequences {
		return validationErrorf("too many stop_sequences (%d, max %d)", len(p.StopSequences), maxStopSequences)
	}
	for idx, seq := range p.StopSequences {
		if len(seq) > maxStopSequenceLen {
			return validationErrorf("stop_sequences[%d] too long (%d chars, max %d)", idx, len(seq), maxStopSequenceLen)
		}
	}
	if len(p.StopTokenIDs) > maxStopTokenIDs {
		return validationErrorf("too many stop_token_ids (%d, max %d)", len(p.StopTokenIDs), maxStopTokenIDs)
	}
	for idx, tokenID := range p.StopTokenIDs {
		if tokenID < 0 || tokenID > maxStopTokenIDValue {
			return validationErrorf("stop_token_ids[%d] out of range", idx)
		}
	}
	if p.Seed != nil {
		if *p.Seed < 0 || *p.Seed > maxSeed {
			return validationErrorf("seed out of range (0 to %d)", int64(maxSeed))
		}
	}
	return validateTextInput(p.Prompt, "prompt", maxTextInputLength)
}

// LoadModelParams is the wire shape for load_model and load_vision_model.
type LoadModelParams struct {
	ModelID       string         `json:"model_id"`
	LocalPath     string         `json:"local_path,omitempty"`
	Revision      string         `json:"revision,omitempty"`
	Quantization  string         `json:"quantization,omitempty"`
	ContextLength *int           `json:"context_length,omitempty"`
	LoadKwargs    map[string]any `json:"load_kwargs,omitempty"`
}

// ValidateLoadModelParams checks load options before they reach the loader.
// Full trusted-directory resolution happens in ValidateLocalPath.
func ValidateLoadModelParams(p *LoadModelParams) error {
	if p.LocalPath != "" {
		if len(p.LocalPath) > maxLocalPathLength {
			return validationErrorf("local_path too long (%d chars, max %d)", len(p.LocalPath), maxLocalPathLength)
		}
		// Reject dangerous patterns before any resolution is attempted.
		if strings.Contains(p.LocalPath, "..") || strings.Contains(p.LocalPath, "~") {
			return validationErrorf("path contains potentially unsafe sequences (.. or ~): %s", p.LocalPath)
		}
	}
	if p.ContextLength != nil {
		if *p.ContextLength < 1 || *p.ContextLength > 1_000_000 {
			return validationErrorf("context_length out of range (1 to 1000000), got %d", *p.ContextLength)
		}
	}
	if len(p.Revision) > 256 {
		return validationErrorf("revision too long (%d chars, max 256)", len(p.Revision))
	}
	return nil
}

var allowedQuantModes = map[string]bool{"int4": true, "int8": true, "fp16": true, "bf16": true}

// ValidateVisionLoadParams extends load validation with the vision quantization modes.
func ValidateVisionLoadParams(p *LoadModelParams) error {
	if err := ValidateLoadModelParams(p); err != nil {
		return err
	}
	if p.Quantization != "" && !allowedQuantModes[p.Quantization] {
		return validationErrorf("quantization must be one of {int4,int8,fp16,bf16} or omitted")
	}
	return nil
}

// ValidateLocalPath resolves the path (following symlinks) and verifies it
// lands beneath one of the configured trusted directories. The trusted roots
// are resolved too so a symlinked root cannot be used to escape.
func ValidateLocalPath(localPath string, trustedDirs []string) (string, error) {
	if strings.Contains(localPath, "..") || strings.Contains(localPath, "~") {
		return "", validationErrorf("path contains potentially unsafe sequences (.. or ~): %s", localPath)
	}
	resolved, err := filepath.EvalSymlinks(localPath)
	if err != nil {
		return "", validationErrorf("local_path cannot be resolved: %s", localPath)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", validationErrorf("local_path cannot be resolved: %s", localPath)
	}
	for _, dir := range trustedDirs {
		root, err := filepath.EvalSymlinks(dir)
		if err != nil {
			continue
		}
		root, err = filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", validationErrorf("local_path is outside the trusted model directories")
}

// ValidateBase64Image decodes and bounds-checks an image payload. An optional
// data-URI prefix is accepted.
func ValidateBase64Image(imageData string) ([]byte, error) {
	payload := imageData
	if strings.HasPrefix(payload, "data:") {
		_, encoded, found := strings.Cut(payload, ",")
		if !found {
			return nil, validationErrorf("image is not valid base64-encoded data")
		}
		payload = encoded
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, validationErrorf("image is not valid base64-encoded data")
	}
	if len(decoded) == 0 {
		return nil, validationErrorf("image payload is empty")
	}
	if len(decoded) > maxImageBytes {
		return nil, validationErrorf("image payload exceeds maximum size of %d bytes (got %d)", maxImageBytes, len(decoded))
	}
	return decoded, nil
}

// TokenizeParams is the wire shape for tokenize.
type TokenizeParams struct {
	ModelID          string `json:"model_id"`
	Text             string `json:"text"`
	AddSpecialTokens *bool  `json:"add_special_tokens,omitempty"`
}

// ValidateTokenizeParams bounds the text input.
func ValidateTokenizeParams(p *TokenizeParams) error {
	return validateTextInput(p.Text, "text", maxTextInputLength)
}

// requireUniqueStreamIDs rejects batches that would clobber stream bookkeeping.
func requireUniqueStreamIDs(requests []GenerateParams) error {
	seen := make(map[string]bool, len(requests))
	for idx, req := range requests {
		if req.StreamID == "" {
			return validationErrorf("batch request at index %d is missing 'stream_id'", idx)
		}
		if seen[req.StreamID] {
			return validationErrorf("duplicate stream_id %q detected in batch payload", req.StreamID)
		}
		seen[req.StreamID] = true
	}
	return nil
}
