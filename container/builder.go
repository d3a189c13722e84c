package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"dagger.io/dagger"
)

// Builder builds and optionally publishes images through a dagger engine
type Builder struct {
	client *dagger.Client
	logger *slog.Logger
}

// NewBuilder creates a builder on an open dagger client
func NewBuilder(client *dagger.Client, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, logger: logger}
}

// BuildResult describes a built image
type BuildResult struct {
	Variant Variant
	Facts   ImageFacts
	// Ref is the published reference, empty when not published
	Ref string
}

// ImageFacts are the runtime settings read back from a built image
type ImageFacts struct {
	User       string
	Port       string
	Env        map[string]string
	Entrypoint []string
	Args       []string
}

// Build renders the Dockerfile for opts into contextDir, builds it and
// checks the resulting image. A non-empty publishRef pushes the image.
func (b *Builder) Build(ctx context.Context, contextDir string, opts Options, publishRef string) (*BuildResult, error) {
	dockerfile, err := Render(opts)
	if err != nil {
		return nil, err
	}

	source := b.client.Host().Directory(contextDir, dagger.HostDirectoryOpts{
		Exclude: []string{".git", "_examples", "*.md", ".env"},
	}).WithNewFile(opts.Variant.Filename(), dockerfile)

	b.logger.Info("Building image", "variant", opts.Variant, "context", contextDir)
	image, err := source.DockerBuild(dagger.DirectoryDockerBuildOpts{
		Dockerfile: opts.Variant.Filename(),
	}).Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s image: %w", opts.Variant, err)
	}

	facts, err := readFacts(ctx, image, opts)
	if err != nil {
		return nil, err
	}
	if err := facts.Verify(opts); err != nil {
		return nil, fmt.Errorf("built %s image violates its contract: %w", opts.Variant, err)
	}

	result := &BuildResult{Variant: opts.Variant, Facts: facts}
	if publishRef != "" {
		ref, err := image.Publish(ctx, publishRef)
		if err != nil {
			return nil, fmt.Errorf("failed to publish %s: %w", publishRef, err)
		}
		b.logger.Info("Published image", "ref", ref)
		result.Ref = ref
	}
	return result, nil
}

func readFacts(ctx context.Context, image *dagger.Container, opts Options) (ImageFacts, error) {
	facts := ImageFacts{Env: make(map[string]string)}

	var err error
	if facts.User, err = image.User(ctx); err != nil {
		return facts, fmt.Errorf("failed to read image user: %w", err)
	}
	for _, e := range opts.Env {
		value, err := image.EnvVariable(ctx, e.Name)
		if err != nil {
			return facts, fmt.Errorf("failed to read %s: %w", e.Name, err)
		}
		facts.Env[e.Name] = value
	}
	facts.Port = facts.Env["PORT"]
	if facts.Entrypoint, err = image.Entrypoint(ctx); err != nil {
		return facts, fmt.Errorf("failed to read entrypoint: %w", err)
	}
	if facts.Args, err = image.DefaultArgs(ctx); err != nil {
		return facts, fmt.Errorf("failed to read default args: %w", err)
	}
	return facts, nil
}

// Verify checks image facts the same way Contract.Verify checks a Dockerfile
func (f ImageFacts) Verify(opts Options) error {
	c := Contract{
		User:              f.User,
		Env:               f.Env,
		Entrypoint:        f.Entrypoint,
		Cmd:               f.Args,
		DependenciesFirst: true,
	}
	var errs []error
	if f.Port != fmt.Sprint(opts.Port) {
		errs = append(errs, fmt.Errorf("expected PORT=%d, got %q", opts.Port, f.Port))
	}
	if !c.RunsAsNonRoot() {
		errs = append(errs, fmt.Errorf("image runs as root (user %q)", f.User))
	}
	for _, e := range opts.Env {
		if f.Env[e.Name] != e.Value {
			errs = append(errs, fmt.Errorf("expected %s=%s, got %q", e.Name, e.Value, f.Env[e.Name]))
		}
	}
	if want := append(opts.Entrypoint(), opts.Command()...); !slices.Equal(c.Command(), want) {
		errs = append(errs, fmt.Errorf("expected command %q, got %q", want, c.Command()))
	}
	return errors.Join(errs...)
}
