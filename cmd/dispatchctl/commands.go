package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/dispatchpilot/internal/handler"
	"github.com/dispatchpilot/internal/model"
)

type settingsStore interface {
	Get(ctx context.Context) (*model.Settings, error)
	ExportPortable(ctx context.Context) (*model.PortableSettings, error)
	ImportPortable(ctx context.Context, doc []byte) (*model.Settings, error)
	RotateToken(ctx context.Context, plaintext string) (*model.EncryptedToken, error)
	ClearToken(ctx context.Context) error
}

type env struct {
	settings settingsStore
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

func showCommand() *command {
	var format string
	return &command{
		name:    "show",
		summary: "Print the current settings (token shown as its creation time only)",
		usage:   "dispatchctl show [--format json|yaml]",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&format, "format", "f", formatJSON, "Output format (json, yaml)")
		},
		run: func(ctx context.Context, e *env, args []string) error {
			s, err := e.settings.Get(ctx)
			if err != nil {
				return err
			}
			raw, err := handler.MaskedSettings(s)
			if err != nil {
				return err
			}
			return writeDocument(e.stdout, raw, format)
		},
	}
}

func exportCommand() *command {
	var format, out string
	return &command{
		name:    "export",
		summary: "Write the portable settings (no token) to a file or stdout",
		usage:   "dispatchctl export [--format json|yaml] [--out FILE]",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&format, "format", "f", "", "Output format (json, yaml); default from --out extension, else json")
			fs.StringVarP(&out, "out", "o", "", "Output file (default stdout)")
		},
		run: func(ctx context.Context, e *env, args []string) error {
			p, err := e.settings.ExportPortable(ctx)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if format == "" {
				format = formatFromPath(out)
			}
			if out == "" {
				return writeDocument(e.stdout, raw, format)
			}

			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := writeDocument(f, raw, format); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(e.stderr, "exported settings to %s\n", out)
			return nil
		},
	}
}

func importCommand() *command {
	var format string
	return &command{
		name:    "import",
		summary: "Validate and store settings from a JSON or YAML file",
		usage:   "dispatchctl import [--format json|yaml] <file|->",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&format, "format", "f", "", "Input format (json, yaml); default from the file extension, else json")
		},
		run: func(ctx context.Context, e *env, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: dispatchctl import [--format json|yaml] <file|->")
			}
			var (
				raw []byte
				err error
			)
			if args[0] == "-" {
				raw, err = io.ReadAll(e.stdin)
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if format == "" {
				format = formatFromPath(args[0])
			}
			doc, err := toJSON(raw, format)
			if err != nil {
				return err
			}

			s, err := e.settings.ImportPortable(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stderr, "imported settings for %q\n", s.Company.Name)
			return nil
		},
	}
}

func rotateTokenCommand() *command {
	return &command{
		name:    "rotate-token",
		summary: "Encrypt and store a new TMS bearer token",
		usage:   "dispatchctl rotate-token  (prompts, or reads one line from stdin)",
		run: func(ctx context.Context, e *env, args []string) error {
			token, err := readToken(e)
			if err != nil {
				return err
			}
			t, err := e.settings.RotateToken(ctx, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stderr, "token stored (createdAt %d)\n", t.CreatedAt)
			return nil
		},
	}
}

func clearTokenCommand() *command {
	return &command{
		name:    "clear-token",
		summary: "Remove the stored TMS bearer token",
		usage:   "dispatchctl clear-token",
		run: func(ctx context.Context, e *env, args []string) error {
			if err := e.settings.ClearToken(ctx); err != nil {
				return err
			}
			fmt.Fprintln(e.stderr, "token cleared")
			return nil
		},
	}
}

// readToken prompts without echo on a terminal; otherwise the first line
// of stdin is the token.
func readToken(e *env) (string, error) {
	var token string
	if f, ok := e.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(e.stderr, "TMS token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(e.stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		token = string(b)
	} else {
		line, err := bufio.NewReader(e.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read token: %w", err)
		}
		token = line
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	return token, nil
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// writeDocument writes a JSON document as indented JSON or as YAML with
// the same keys.
func writeDocument(w io.Writer, raw []byte, format string) error {
	switch format {
	case formatJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// toJSON converts an input document to JSON for the settings schema.
func toJSON(raw []byte, format string) ([]byte, error) {
	switch format {
	case formatJSON:
		return raw, nil
	case formatYAML:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		doc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
