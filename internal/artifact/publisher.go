package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"webship/internal/credentials"
	"webship/internal/logger"
	"webship/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// Publisher packages declared build outputs into a content archive and
// uploads it to the artifact repository. Publishing is tolerant work: the
// running deployment does not depend on the published bundle.
type Publisher struct {
	repoURL string
	group   string
	id      string
	cred    credentials.Credential
	client  *http.Client
	logger  *logrus.Entry
}

func NewPublisher(repoURL, group, id string, cred credentials.Credential) *Publisher {
	return &Publisher{
		repoURL: repoURL,
		group:   group,
		id:      id,
		cred:    cred,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger.WithModule("artifact"),
	}
}

// Package writes the declared outputs into a gzipped tarball next to the
// workspace and returns its path.
func (p *Publisher) Package(workDir string, outputs []string, buildNumber int) (string, error) {
	archivePath := filepath.Join(workDir, fmt.Sprintf("%s-%d.tar.gz", p.id, buildNumber))

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, output := range outputs {
		root := filepath.Join(workDir, output)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(workDir, path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(tw, src)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("failed to package %s: %w", output, err)
		}
	}

	p.logger.WithField("archive", archivePath).Info("Build outputs packaged")
	return archivePath, nil
}

// Publish uploads the archive to group/artifact-id/build-number/filename.
func (p *Publisher) Publish(ctx context.Context, archivePath string, buildNumber int) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/%d/%s",
		p.repoURL, p.group, p.id, buildNumber, filepath.Base(archivePath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/gzip")
	if p.cred.Username != "" || p.cred.Secret() != "" {
		req.SetBasicAuth(p.cred.Username, p.cred.Secret())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &pipeline.UnavailableError{Service: "artifact repository", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("artifact repository returned status %d", resp.StatusCode)
	}

	p.logger.WithFields(logrus.Fields{
		"url":  url,
		"size": info.Size(),
	}).Info("Artifact published")
	return nil
}
