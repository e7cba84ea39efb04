// Package inventory loads the pool definition from a configuration directory.
//
// Layout:
//
//	clusters.yaml         - [{name: ..., url: ...}, ...]
//	agents/<name>.yaml    - {labels: [...], launch: {...}, ...}
//
// The whole agent file is the agent's definition blob.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

const (
	clustersFile = "clusters.yaml"
	agentsDir    = "agents"
)

// Source produces inventory snapshots.
type Source interface {
	Load(ctx context.Context) (*pool.Inventory, error)
}

// DirSource reads the inventory from a directory, optionally inside a git
// work tree.
type DirSource struct {
	Dir string
	// RepoURL overrides the git origin URL.
	RepoURL string
}

type clusterFile struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type agentFile struct {
	Labels []string          `yaml:"labels"`
	Launch map[string]string `yaml:"launch"`
}

// Load reads a snapshot. Any malformed cluster or agent fails the whole load.
func (s *DirSource) Load(ctx context.Context) (*pool.Inventory, error) {
	logger := log.FromContext(ctx).WithName("inventory")

	repo, _ := gogit.PlainOpenWithOptions(s.Dir, &gogit.PlainOpenOptions{DetectDotGit: true})

	repoURL := s.RepoURL
	if repoURL == "" && repo != nil {
		repoURL = originURL(repo)
	}
	if err := pool.ValidateRepoURL(repoURL); err != nil {
		return nil, fmt.Errorf("inventory %s: %w", s.Dir, err)
	}

	inv := &pool.Inventory{
		ConfigRepoURL: repoURL,
		Agents:        map[string]pool.AgentDefinition{},
		Clusters:      map[string]pool.ClusterIdentity{},
	}
	hash := sha256.New()
	var errs []error

	clustersPath := filepath.Join(s.Dir, clustersFile)
	data, err := os.ReadFile(clustersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", clustersPath, err)
	}
	hash.Write(data)
	var clusters []clusterFile
	if err := yaml.Unmarshal(data, &clusters); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", clustersPath, err)
	}
	for _, c := range clusters {
		id, err := pool.NewClusterIdentity(c.Name, c.URL, repoURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := inv.Clusters[id.Name()]; dup {
			errs = append(errs, fmt.Errorf("duplicate cluster %q", id.Name()))
			continue
		}
		inv.Clusters[id.Name()] = id
	}

	files, err := agentFiles(filepath.Join(s.Dir, agentsDir))
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		hash.Write([]byte(filepath.Base(path)))
		hash.Write(data)

		var af agentFile
		if err := yaml.Unmarshal(data, &af); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		rel, _ := filepath.Rel(s.Dir, path)
		def := pool.AgentDefinition{
			Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Labels:      af.Labels,
			Source:      rel,
			Definition:  data,
			LaunchHints: af.Launch,
		}
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			continue
		}
		inv.Agents[def.Name] = def
	}

	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, fmt.Errorf("invalid inventory %s: %w", s.Dir, err)
	}

	inv.Version = hex.EncodeToString(hash.Sum(nil))[:12]
	if repo != nil {
		if head, err := repo.Head(); err == nil {
			inv.Version = head.Hash().String()
		} else {
			logger.V(1).Info("No git HEAD, using content hash as version", "error", err.Error())
		}
	}

	logger.Info("Inventory loaded",
		"version", inv.Version,
		"agents", len(inv.Agents),
		"clusters", len(inv.Clusters))
	return inv, nil
}

// agentFiles lists the agent definitions in dir in lexical order.
func agentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func originURL(repo *gogit.Repository) string {
	remote, err := repo.Remote("origin")
	if err != nil {
		return ""
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}
