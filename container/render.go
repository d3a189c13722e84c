package container

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/hannes/weather-mcp/config"
)

// Variant selects one of the two supported image recipes
type Variant string

const (
	// VariantAlpine runs the binary under its built-in supervisor flags
	VariantAlpine Variant = "alpine"
	// VariantSlim runs the bare binary on Debian slim
	VariantSlim Variant = "slim"
)

// Variants lists every supported recipe
var Variants = []Variant{VariantAlpine, VariantSlim}

// ParseVariant converts a name into a Variant
func ParseVariant(name string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(name))) {
	case VariantAlpine:
		return VariantAlpine, nil
	case VariantSlim, "debian":
		return VariantSlim, nil
	}
	return "", fmt.Errorf("unknown image variant %q (expected alpine or slim)", name)
}

// Filename is the conventional Dockerfile name for the variant
func (v Variant) Filename() string {
	if v == VariantSlim {
		return "Dockerfile.slim"
	}
	return "Dockerfile"
}

// EnvVar is one ENV assignment in the runtime stage
type EnvVar struct {
	Name  string
	Value string
}

// Options controls Dockerfile rendering
type Options struct {
	Variant    Variant
	GoVersion  string
	BinaryName string
	Port       int
	UID        int
	GID        int
	User       string
	Env        []EnvVar
	Supervisor config.ServerConfig
}

// DefaultEnv is the runtime environment baked into both images
func DefaultEnv(port int) []EnvVar {
	return []EnvVar{
		{Name: "FLASK_APP", Value: "app.py"},
		{Name: "FLASK_ENV", Value: "production"},
		{Name: "PYTHONUNBUFFERED", Value: "1"},
		{Name: "PORT", Value: strconv.Itoa(port)},
		{Name: "APP_ENV", Value: config.EnvironmentProduction},
		{Name: "LOG_LEVEL", Value: "INFO"},
	}
}

// DefaultOptions returns the options used for the shipped Dockerfiles
func DefaultOptions(variant Variant) Options {
	return Options{
		Variant:    variant,
		GoVersion:  "1.24",
		BinaryName: "weather-mcp",
		Port:       8080,
		UID:        1000,
		GID:        1000,
		User:       "app",
		Env:        DefaultEnv(8080),
		Supervisor: config.DefaultConfig().Server,
	}
}

func (o Options) validate() error {
	if _, err := ParseVariant(string(o.Variant)); err != nil {
		return err
	}
	if o.GoVersion == "" {
		return fmt.Errorf("go version is required")
	}
	if o.BinaryName == "" || strings.ContainsAny(o.BinaryName, "/ \t") {
		return fmt.Errorf("invalid binary name %q", o.BinaryName)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (current value: %d)", o.Port)
	}
	if o.UID < 1 || o.GID < 1 {
		return fmt.Errorf("image must run as a non-root user (uid=%d gid=%d)", o.UID, o.GID)
	}
	if o.User == "" || o.User == "root" {
		return fmt.Errorf("invalid user name %q", o.User)
	}
	for _, e := range o.Env {
		if e.Name == "" || strings.ContainsAny(e.Name, "= \t") {
			return fmt.Errorf("invalid environment variable name %q", e.Name)
		}
	}
	return nil
}

// Entrypoint is the exec-form entrypoint of the image
func (o Options) Entrypoint() []string {
	return []string{"/app/" + o.BinaryName}
}

// Command is the default command passed to the entrypoint.
// The slim image has none and relies on serve being the default.
func (o Options) Command() []string {
	if o.Variant != VariantAlpine {
		return nil
	}
	s := o.Supervisor
	args := []string{
		"serve",
		"--bind", fmt.Sprintf("0.0.0.0:%d", o.Port),
		"--workers", strconv.Itoa(s.Workers),
		"--threads", strconv.Itoa(s.Threads),
		"--worker-connections", strconv.Itoa(s.WorkerConnections),
		"--timeout", seconds(s.Timeout),
		"--keep-alive", seconds(s.KeepAlive),
	}
	if s.Preload {
		args = append(args, "--preload")
	}
	return append(args,
		"--max-requests", strconv.Itoa(s.MaxRequests),
		"--max-requests-jitter", strconv.Itoa(s.MaxRequestsJitter),
	)
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// Render produces the Dockerfile for the given options
func Render(opts Options) (string, error) {
	if err := opts.validate(); err != nil {
		return "", fmt.Errorf("invalid image options: %w", err)
	}

	tmpl := alpineTemplate
	if opts.Variant == VariantSlim {
		tmpl = slimTemplate
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, opts); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", opts.Variant.Filename(), err)
	}
	return buf.String(), nil
}

var funcs = template.FuncMap{
	"exec":     execForm,
	"envValue": envValue,
}

// envValue quotes an ENV value when it would otherwise split into words
func envValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'\\$") {
		return strconv.Quote(v)
	}
	return v
}

// execForm renders args as a JSON-array instruction argument
func execForm(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = strconv.Quote(a)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

const builderStage = `# Build stage
FROM golang:{{.GoVersion}}-{{if eq .Variant "slim"}}bookworm{{else}}alpine{{end}} AS builder

WORKDIR /src

# Download dependencies first (better layer caching); go.sum is optional and
# -mod=mod lets the build record missing checksums
COPY go.mod go.sum* ./
RUN go mod download

# Copy source code
COPY . .

RUN CGO_ENABLED=0 go build -mod=mod -trimpath -ldflags='-s -w' -o /out/{{.BinaryName}} .
`

const runtimeTail = `
WORKDIR /app

COPY --from=builder --chown={{.UID}}:{{.GID}} /out/{{.BinaryName}} /app/{{.BinaryName}}
RUN chown -R {{.UID}}:{{.GID}} /app

ENV{{range $i, $e := .Env}}{{if $i}} \
   {{end}} {{$e.Name}}={{envValue $e.Value}}{{end}}

EXPOSE {{.Port}}

USER {{.UID}}:{{.GID}}

ENTRYPOINT {{exec .Entrypoint}}
{{- with .Command}}
CMD {{exec .}}
{{- end}}
`

var alpineTemplate = template.Must(template.New("Dockerfile").Funcs(funcs).Parse(builderStage + `
# Runtime stage
FROM alpine:3.20

RUN apk update && apk upgrade --no-cache && \
    apk add --no-cache ca-certificates tzdata

# Create non-root user
RUN addgroup -g {{.GID}} -S {{.User}} && \
    adduser -u {{.UID}} -S {{.User}} -G {{.User}} -h /app
` + runtimeTail))

var slimTemplate = template.Must(template.New("Dockerfile.slim").Funcs(funcs).Parse(builderStage + `
# Runtime stage
FROM debian:bookworm-slim

RUN apt-get update && apt-get upgrade -y && \
    apt-get install -y --no-install-recommends ca-certificates tzdata && \
    rm -rf /var/lib/apt/lists/*

# Create non-root user
RUN groupadd -g {{.GID}} {{.User}} && \
    useradd -u {{.UID}} -g {{.User}} -d /app -M -s /usr/sbin/nologin {{.User}}
` + runtimeTail))
