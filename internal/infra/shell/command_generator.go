// internal/infra/shell/command_generator.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Exit codes from sysexits.h that the generator command may use to classify failures.
const (
	exitDataErr  = 65 // input will never work
	exitTempFail = 75 // try again later
)

// unsupportedExtensions are recording containers the generator cannot read.
var unsupportedExtensions = map[string]bool{
	".zoom": true,
}

// commandGenerator implements domain.Generator by running an external command.
// The artifact path is passed as $ARTIFACT_PATH; stdout is the document.
type commandGenerator struct {
	command string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewCommandGenerator creates a generator that runs command through sh.
func NewCommandGenerator(command string, logger *slog.Logger) domain.Generator {
	return &commandGenerator{
		command: command,
		logger:  logger.With("component", "command-generator"),
		tracer:  otel.Tracer("minutes-relay-shell-generator"),
	}
}

// Generate runs the command for the artifact and returns its output.
func (g *commandGenerator) Generate(ctx context.Context, artifact *domain.Artifact) (string, error) {
	ctx, span := g.tracer.Start(ctx, "generator.shell.Generate",
		trace.WithAttributes(
			attribute.String("work.id", artifact.WorkID),
			attribute.String("artifact.path", artifact.Path),
		))
	defer span.End()

	ext := strings.ToLower(filepath.Ext(artifact.Path))
	if unsupportedExtensions[ext] {
		err := fmt.Errorf("%w: %s files cannot be transformed", domain.ErrUnsupportedInput, ext)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unsupported input")
		return "", err
	}

	g.logger.Info("generating document", "work_id", artifact.WorkID, "path", artifact.Path)

	cmd := exec.CommandContext(ctx, "sh", "-c", g.command)
	cmd.Env = append(os.Environ(), "ARTIFACT_PATH="+artifact.Path, "WORK_ID="+artifact.WorkID)
	// Children of sh may hold stdout open after sh is killed.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	errOutput := strings.TrimSpace(stderr.String())
	if errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
	}

	if err != nil {
		span.SetStatus(codes.Error, "generator command failed")
		span.RecordError(err)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: generator command interrupted: %v", domain.ErrTransient, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitDataErr:
				return "", fmt.Errorf("%w: %s", domain.ErrPermanentInput, errOutput)
			case exitTempFail:
				return "", fmt.Errorf("%w: %s", domain.ErrTransient, errOutput)
			}
		}
		return "", fmt.Errorf("generator command failed: %w: %s", err, errOutput)
	}

	g.logger.Info("document generated", "work_id", artifact.WorkID, "bytes", stdout.Len())
	return stdout.String(), nil
}
