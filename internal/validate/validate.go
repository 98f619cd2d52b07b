// Package validate rejects unsafe MCP server specs before anything is
// persisted or spawned. All checks are pure and deterministic: the same
// spec always produces the same verdict.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// Size ceilings. Specs beyond these are rejected outright.
const (
	MaxServerIDLength = 64
	MaxArgLength      = 1024
	MaxArgs           = 50
	MaxEnvKeyLength   = 128
	MaxEnvValueLength = 1024
	MaxEnvEntries     = 50
)

var serverIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// allowedCommands is the closed whitelist of launchable commands, each
// with the character class its first argument (package, script, or image
// reference) must satisfy.
var allowedCommands = map[string]*regexp.Regexp{
	"npx":    regexp.MustCompile(`^[a-zA-Z0-9@/_-]+$`),
	"uvx":    regexp.MustCompile(`^[a-zA-Z0-9@/_-]+$`),
	"uv":     regexp.MustCompile(`^[a-zA-Z0-9@/_-]+$`),
	"node":   regexp.MustCompile(`^[a-zA-Z0-9@./_-]+$`),
	"python": regexp.MustCompile(`^[a-zA-Z0-9@./_-]+$`),
	"docker": regexp.MustCompile(`^[a-zA-Z0-9:@./_-]+$`),
}

// argPattern is the character class for arguments after the first.
var argPattern = regexp.MustCompile(`^[a-zA-Z0-9@./_=:,+-]+$`)

var envKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,127}$`)

// shellMeta are characters that terminate, chain, substitute, or redirect
// in a shell. Any occurrence rejects the value regardless of context.
const shellMeta = ";|&`$(){}<>\\'\"\n\r\x00"

// blockedEnvKeys are environment variables that can redirect process
// startup: loader preloads, module search paths, interpreter homes, and
// locale/TLS overrides.
var blockedEnvKeys = map[string]bool{
	"LD_PRELOAD":         true,
	"LD_AUDIT":           true,
	"LD_LIBRARY_PATH":    true,
	"PATH":               true,
	"PYTHONPATH":         true,
	"PYTHONHOME":         true,
	"PYTHONSTARTUP":      true,
	"NODE_PATH":          true,
	"NODE_OPTIONS":       true,
	"IFS":                true,
	"LC_ALL":             true,
	"LANG":               true,
	"PYTHONIOENCODING":   true,
	"SSL_CERT_FILE":      true,
	"SSL_CERT_DIR":       true,
	"AWS_CA_BUNDLE":      true,
	"REQUESTS_CA_BUNDLE": true,
}

// blockedEnvPrefixes extends the blocklist to whole families.
var blockedEnvPrefixes = []string{"DYLD_", "LD_"}

// allowedPathRoots are the only absolute path prefixes permitted in
// arguments; everything else absolute is treated as traversal.
var allowedPathRoots = []string{"/tmp/", "/var/tmp/", "/workspace/", "/data/"}

// Spec validates a complete server spec: id, command, args, and env.
// It returns nil or a *models.KindError with a validation:* kind.
func Spec(spec models.ServerSpec) error {
	if err := ServerID(spec.ServerID); err != nil {
		return err
	}
	if _, ok := allowedCommands[spec.Command]; !ok {
		return models.NewKindError(models.ErrValidationUnknownCommand,
			fmt.Sprintf("command %q is not allowed", spec.Command))
	}
	if err := ArgsForCommand(spec.Command, spec.Args); err != nil {
		return err
	}
	return Env(spec.Env)
}

// ServerID validates the spec's identifier: 1-64 chars of [A-Za-z0-9_-].
func ServerID(id string) error {
	if id == "" {
		return models.NewKindError(models.ErrValidationBadServerID, "server id cannot be empty")
	}
	if len(id) > MaxServerIDLength {
		return models.NewKindError(models.ErrValidationBadServerID,
			fmt.Sprintf("server id too long (max %d)", MaxServerIDLength))
	}
	if !serverIDPattern.MatchString(id) {
		return models.NewKindError(models.ErrValidationBadServerID,
			"server id may only contain letters, digits, underscores, and hyphens")
	}
	return nil
}

// ArgsForCommand validates the argument list against the command's
// character class. The first argument names the package, script, or
// image and is held to the command-specific class; later arguments use
// the general class.
func ArgsForCommand(command string, args []string) error {
	firstArg, ok := allowedCommands[command]
	if !ok {
		return models.NewKindError(models.ErrValidationUnknownCommand,
			fmt.Sprintf("command %q is not allowed", command))
	}
	if len(args) > MaxArgs {
		return models.NewKindError(models.ErrValidationTooMany,
			fmt.Sprintf("too many arguments (max %d)", MaxArgs))
	}
	if len(args) == 0 {
		return models.NewKindError(models.ErrValidationBadArg, "arguments list cannot be empty")
	}
	for i, arg := range args {
		if len(arg) > MaxArgLength {
			return models.NewKindError(models.ErrValidationBadArg,
				fmt.Sprintf("argument %d too long (max %d)", i, MaxArgLength))
		}
		if strings.ContainsAny(arg, shellMeta) {
			return models.NewKindError(models.ErrValidationBadArg,
				fmt.Sprintf("argument %d contains a forbidden character", i))
		}
		if err := checkPath(arg); err != nil {
			return err
		}
		if i == 0 {
			if !firstArg.MatchString(arg) {
				return models.NewKindError(models.ErrValidationBadArg,
					fmt.Sprintf("argument %d contains characters not allowed for command %q", i, command))
			}
		} else if !argPattern.MatchString(arg) {
			return models.NewKindError(models.ErrValidationBadArg,
				fmt.Sprintf("argument %d contains invalid characters", i))
		}
	}
	return nil
}

// Env validates environment entries: key grammar, hijack blocklist, and
// the same metacharacter rejection as arguments for values.
func Env(env map[string]string) error {
	if len(env) > MaxEnvEntries {
		return models.NewKindError(models.ErrValidationTooMany,
			fmt.Sprintf("too many environment entries (max %d)", MaxEnvEntries))
	}
	for key, value := range env {
		if len(key) > MaxEnvKeyLength {
			return models.NewKindError(models.ErrValidationBadEnvKey,
				fmt.Sprintf("environment key too long (max %d)", MaxEnvKeyLength))
		}
		if !envKeyPattern.MatchString(key) {
			return models.NewKindError(models.ErrValidationBadEnvKey,
				fmt.Sprintf("environment key %q has invalid format", key))
		}
		if isBlockedEnvKey(key) {
			return models.NewKindError(models.ErrValidationBadEnvKey,
				fmt.Sprintf("environment key %q is not allowed", key))
		}
		if len(value) > MaxEnvValueLength {
			return models.NewKindError(models.ErrValidationBadEnvValue,
				fmt.Sprintf("value of %q too long (max %d)", key, MaxEnvValueLength))
		}
		if strings.ContainsAny(value, shellMeta) {
			return models.NewKindError(models.ErrValidationBadEnvValue,
				fmt.Sprintf("value of %q contains a forbidden character", key))
		}
	}
	return nil
}

func isBlockedEnvKey(key string) bool {
	if blockedEnvKeys[key] {
		return true
	}
	for _, p := range blockedEnvPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// checkPath rejects traversal sequences, home expansion, and absolute
// paths outside the allowlisted workspace roots.
func checkPath(arg string) error {
	if strings.Contains(arg, "../") || strings.HasPrefix(arg, "~/") || arg == ".." || arg == "~" {
		return models.NewKindError(models.ErrValidationPathTraversal,
			"path traversal is not allowed in arguments")
	}
	if strings.HasPrefix(arg, "/") {
		for _, root := range allowedPathRoots {
			if strings.HasPrefix(arg, root) || arg+"/" == root {
				return nil
			}
		}
		return models.NewKindError(models.ErrValidationPathTraversal,
			fmt.Sprintf("absolute path %q is outside the allowed workspace roots", arg))
	}
	return nil
}
