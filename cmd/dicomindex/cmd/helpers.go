package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/dicomindex/internal/auth"
	"github.com/Aman-CERP/dicomindex/internal/config"
	"github.com/Aman-CERP/dicomindex/internal/engine"
	"github.com/Aman-CERP/dicomindex/internal/output"
	"github.com/Aman-CERP/dicomindex/internal/query"
)

// loadConfig loads the project configuration and applies --data-dir.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	return cfg, nil
}

// callerContext attaches the CLI caller: the system caller unless --as is set.
func callerContext(ctx context.Context) (context.Context, error) {
	if callerSubject == "" {
		return auth.WithCaller(ctx, auth.System()), nil
	}
	caps, err := auth.ParseCapabilities(callerCaps)
	if err != nil {
		return nil, err
	}
	return auth.WithCaller(ctx, auth.NewCaller(callerSubject, caps...)), nil
}

// withEngine opens the engine for one command and closes it afterwards.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine, out *output.Writer) error, opts ...engine.Option) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, err := callerContext(cmd.Context())
	if err != nil {
		return err
	}
	opts = append([]engine.Option{engine.WithLogger(slog.Default())}, opts...)
	eng, err := engine.Open(cmd.Context(), cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, eng.Close())
	}()
	return fn(ctx, eng, output.Auto(cmd.OutOrStdout(), jsonOutput))
}

// readDocument returns arg, or the contents of a file for "@path", or stdin for "-".
func readDocument(cmd *cobra.Command, arg string) ([]byte, error) {
	switch {
	case arg == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

// parseExpression decodes an expression written as JSON or YAML.
func parseExpression(cmd *cobra.Command, arg string) (query.Expression, error) {
	data, err := readDocument(cmd, arg)
	if err != nil {
		return query.Expression{}, err
	}
	var expr query.Expression
	if err := yaml.Unmarshal(data, &expr); err != nil {
		return query.Expression{}, fmt.Errorf("invalid expression: %w", err)
	}
	return expr, nil
}

// parseParams turns key=value pairs into template parameters.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
