package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"webship/internal/docker"
	"webship/internal/logger"

	"github.com/sirupsen/logrus"
)

// Runtime is the container runtime surface the manager needs.
type Runtime interface {
	Images(ctx context.Context, repo string) ([]docker.Image, error)
	RemoveImage(ctx context.Context, ref string) error
	Logout(ctx context.Context, registry string) error
}

// Manager runs unconditionally at the end of every run: prunes old local
// images down to the retention count, removes transient packaging files, and
// revokes the cached registry login. Failures here are logged and never
// change the run's already-fixed terminal status.
type Manager struct {
	runtime  Runtime
	repo     string
	registry string
	retain   int
	logger   *logrus.Entry
}

func NewManager(runtime Runtime, repo, registry string, retain int) *Manager {
	return &Manager{
		runtime:  runtime,
		repo:     repo,
		registry: registry,
		retain:   retain,
		logger:   logger.WithModule("cleanup"),
	}
}

// Run performs the full post-run cleanup.
func (m *Manager) Run(ctx context.Context, archives []string) {
	m.pruneImages(ctx)
	m.removeArchives(archives)
	m.revokeLogin(ctx)
}

// pruneImages keeps the retain-count newest images for the repository and
// removes the rest. Retention is by image creation time, not by tag: the
// latest alias always co-resides with the newest numbered tag.
func (m *Manager) pruneImages(ctx context.Context) {
	images, err := m.runtime.Images(ctx, m.repo)
	if err != nil {
		m.logger.WithError(err).Warn("Could not list images for retention")
		return
	}

	// Newest first; tags sharing an image ID count once
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})

	seen := make(map[string]bool)
	var distinct []docker.Image
	for _, img := range images {
		if seen[img.ID] {
			continue
		}
		seen[img.ID] = true
		distinct = append(distinct, img)
	}

	if len(distinct) <= m.retain {
		m.logger.WithFields(logrus.Fields{
			"repo":   m.repo,
			"images": len(distinct),
			"retain": m.retain,
		}).Debug("No images to prune")
		return
	}

	for _, img := range distinct[m.retain:] {
		if err := m.runtime.RemoveImage(ctx, img.ID); err != nil {
			m.logger.WithError(err).WithField("image", img.ID).Warn("Could not remove stale image")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"image": img.ID,
			"tag":   img.Tag,
		}).Info("Stale image removed")
	}
}

func (m *Manager) removeArchives(archives []string) {
	for _, archive := range archives {
		if archive == "" {
			continue
		}
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).WithField("archive", filepath.Base(archive)).Warn("Could not remove archive")
			continue
		}
		m.logger.WithField("archive", filepath.Base(archive)).Debug("Transient archive removed")
	}
}

func (m *Manager) revokeLogin(ctx context.Context) {
	if err := m.runtime.Logout(ctx, m.registry); err != nil {
		m.logger.WithError(err).Warn("Could not revoke registry login")
		return
	}
	m.logger.WithField("registry", m.registry).Info("Registry login revoked")
}
