// Package engine knows how to talk to the external rendering engine:
// which flags select quality and format, where the engine writes its
// output, and how to probe the installed binary. It never runs a render
// itself; the job manager owns execution.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/config"
)

var logger = logrus.WithField("component", "engine")

// Quality levels accepted at submission
const (
	QualityLow    = "low_quality"
	QualityMedium = "medium_quality"
	QualityHigh   = "high_quality"
)

// Output formats accepted at submission
const (
	FormatMP4 = "mp4"
	FormatGIF = "gif"
)

// qualityFlags maps a quality level to the engine CLI flag selecting it
var qualityFlags = map[string]string{
	QualityLow:    "-ql",
	QualityMedium: "-qm",
	QualityHigh:   "-qh",
}

// qualityDirs maps a quality level to the directory name the engine
// nests rendered media under
var qualityDirs = map[string]string{
	QualityLow:    "480p15",
	QualityMedium: "720p30",
	QualityHigh:   "1080p60",
}

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)

const probeTimeout = 10 * time.Second

// Invocation is a fully resolved engine command ready to launch
type Invocation struct {
	Path string
	Args []string
	Dir  string
}

// Manager builds engine invocations from configuration
type Manager struct {
	config *config.Config
}

// NewManager creates a new engine manager
func NewManager(cfg *config.Config) *Manager {
	return &Manager{config: cfg}
}

// ValidQuality reports whether q is an accepted quality level
func ValidQuality(q string) bool {
	_, ok := qualityFlags[q]
	return ok
}

// ValidFormat reports whether f is an accepted output format
func ValidFormat(f string) bool {
	return f == FormatMP4 || f == FormatGIF
}

// BuildInvocation assembles the engine command for one job. The engine
// is told exactly where to write: media under the job's media directory
// and the output file named after the job ID.
func (m *Manager) BuildInvocation(workdir, codeFile, sceneName, jobID, quality, format string) Invocation {
	args := []string{
		qualityFlag(quality),
		codeFile,
		sceneName,
		"--media_dir", filepath.Join(workdir, "media"),
		"--output_file", jobID,
	}
	if format == FormatGIF {
		args = append(args, "--format", "gif")
	}

	return Invocation{
		Path: m.config.EngineBinary,
		Args: args,
		Dir:  workdir,
	}
}

// ExpectedOutput returns the contractual path of the rendered file for
// an invocation built by BuildInvocation.
func (m *Manager) ExpectedOutput(workdir, codeFile, jobID, quality, format string) string {
	stem := strings.TrimSuffix(filepath.Base(codeFile), filepath.Ext(codeFile))
	return filepath.Join(workdir, "media", "videos", stem, qualityDir(quality), jobID+"."+format)
}

// Probe runs the engine's version command and checks the reported
// version against the configured constraint.
func (m *Manager) Probe(ctx context.Context) (*semver.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, m.config.EngineBinary, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("engine binary %s is not runnable: %w", m.config.EngineBinary, err)
	}

	version, err := ParseVersion(string(out))
	if err != nil {
		return nil, err
	}

	if m.config.EngineMinVersion != "" {
		constraint, err := semver.NewConstraint(m.config.EngineMinVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid engine version constraint %s: %w", m.config.EngineMinVersion, err)
		}
		if !constraint.Check(version) {
			return nil, fmt.Errorf("engine version %s does not satisfy %s", version, m.config.EngineMinVersion)
		}
	}

	logger.WithField("version", version.String()).Infof("Engine %s probed", m.config.EngineBinary)
	return version, nil
}

// ParseVersion extracts the first semantic version from engine output
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, fmt.Errorf("no version found in engine output: %s", strings.TrimSpace(output))
	}
	return semver.NewVersion(match[1])
}

func qualityFlag(q string) string {
	if flag, ok := qualityFlags[q]; ok {
		return flag
	}
	return qualityFlags[QualityMedium]
}

func qualityDir(q string) string {
	if dir, ok := qualityDirs[q]; ok {
		return dir
	}
	return qualityDirs[QualityMedium]
}
