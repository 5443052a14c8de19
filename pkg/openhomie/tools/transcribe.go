package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/openhomie/pkg/openhomie/backend"
)

var transcribeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"audio_path": {"type": "string", "description": "Path to the audio file to transcribe"},
		"language": {"type": "string", "description": "ISO language hint, e.g. 'en' or 'nl'. Defaults to auto."}
	},
	"required": ["audio_path"],
	"additionalProperties": false
}`)

// TranscribeConfig configures the whisper-cli invocation.
type TranscribeConfig struct {
	Binary    string // default "whisper-cli"
	ModelPath string
}

// NewTranscribeTool transcribes voice messages via whisper-cli. Restricted:
// it spawns a subprocess and reads the filesystem.
func NewTranscribeTool(cfg TranscribeConfig) ToolDef {
	if cfg.Binary == "" {
		cfg.Binary = "whisper-cli"
	}
	return ToolDef{
		Name:        "transcribe_audio",
		Tier:        TierRestricted,
		Effects:     []Effect{EffectFilesystem, EffectSubprocess},
		Description: "Transcribe a voice message to text.",
		InputSchema: transcribeSchema,
		TimeoutMs:   120000,
		Execute: func(ctx context.Context, _ ToolContext, input json.RawMessage) (string, error) {
			var in struct {
				AudioPath string `json:"audio_path"`
				Language  string `json:"language"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			if _, err := os.Stat(in.AudioPath); err != nil {
				return "", fmt.Errorf("audio file: %w", err)
			}
			lang := in.Language
			if lang == "" {
				lang = "auto"
			}

			outDir, err := os.MkdirTemp("", "transcribe-")
			if err != nil {
				return "", err
			}
			defer os.RemoveAll(outDir)
			outBase := filepath.Join(outDir, "out")

			args := []string{
				"-m", cfg.ModelPath,
				"-f", in.AudioPath,
				"-oj",
				"-of", outBase,
				"-np",
				"-l", lang,
			}
			res, err := backend.SpawnWithTimeouts(ctx, backend.DefaultSpawnTimeouts(),
				backend.Command{Name: cfg.Binary, Args: args}, nil)
			if err != nil {
				return "", err
			}
			if cerr := res.Classify(); cerr != nil {
				return "", fmt.Errorf("whisper-cli: %w", cerr)
			}

			data, err := os.ReadFile(outBase + ".json")
			if err != nil {
				return "", fmt.Errorf("read transcription: %w", err)
			}
			var parsed struct {
				Transcription []struct {
					Text string `json:"text"`
				} `json:"transcription"`
			}
			if err := json.Unmarshal(data, &parsed); err != nil {
				return "", fmt.Errorf("parse transcription: %w", err)
			}
			var b strings.Builder
			for _, seg := range parsed.Transcription {
				b.WriteString(seg.Text)
			}
			text := strings.TrimSpace(b.String())
			if text == "" {
				return "(no speech detected)", nil
			}
			return text, nil
		},
	}
}
