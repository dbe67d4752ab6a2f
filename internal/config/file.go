// Package config holds the session host's file, dotenv and value parsing
// helpers. Precedence between sources is decided by the binary.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration. Unset fields stay nil so the
// loader can tell them apart from explicit zero values.
type File struct {
	Server    ServerFile    `yaml:"server"`
	Session   SessionFile   `yaml:"session"`
	Lock      LockFile      `yaml:"lock"`
	Request   RequestFile   `yaml:"request"`
	Upload    UploadFile    `yaml:"upload"`
	Websocket WebsocketFile `yaml:"websocket"`
	Log       LogFile       `yaml:"log"`
}

type ServerFile struct {
	Listen          *string   `yaml:"listen"`
	ControlListen   *string   `yaml:"control_listen"`
	StateDir        *string   `yaml:"state_dir"`
	IdleTimeout     *Duration `yaml:"idle_timeout"`
	ShutdownTimeout *Duration `yaml:"shutdown_timeout"`
}

type SessionFile struct {
	Interpreter []string  `yaml:"interpreter"`
	PTY         *bool     `yaml:"pty"`
	StopTimeout *Duration `yaml:"stop_timeout"`
	OutputLines *int      `yaml:"output_lines"`
	HistorySize *int      `yaml:"history_size"`
}

type LockFile struct {
	Strategy     *string   `yaml:"strategy"`
	StaleTimeout *Duration `yaml:"stale_timeout"`
	Refresh      *Duration `yaml:"refresh"`
}

type RequestFile struct {
	MaxBodySize    *ByteSize `yaml:"max_body_size"`
	MaxHeaderBytes *ByteSize `yaml:"max_header_bytes"`
}

type UploadFile struct {
	MaxSize *ByteSize `yaml:"max_size"`
	Queue   *int      `yaml:"queue"`
}

type WebsocketFile struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogFile struct {
	Level *string `yaml:"level"`
}

// LoadFile reads a YAML config file. A missing path is not an error; unknown
// keys are.
func LoadFile(path string) (File, error) {
	var file File
	if path == "" {
		return file, nil
	}
	handle, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer handle.Close()

	decoder := yaml.NewDecoder(handle)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return file, nil
}
