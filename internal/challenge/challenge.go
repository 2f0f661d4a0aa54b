package challenge

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Indexer is the interface for looking up deployable challenges.
// Consumers should depend on this interface rather than the concrete Index.
type Indexer interface {
	Get(id uint) (*Challenge, error)
	GetAll() []*Challenge
	BuildIndex(baseDir string) error
}

// Compile-time check that Index implements Indexer.
var _ Indexer = (*Index)(nil)

type Index struct {
	mu     sync.RWMutex
	challs map[uint]*Challenge
}

// Challenge describes one deployable challenge: the playbook the deployer
// runs for it and the parameter template passed along on create.
type Challenge struct {
	ID               uint                   `yaml:"id"`
	Name             string                 `yaml:"name"`
	PlaybookName     string                 `yaml:"playbook_name"`
	Type             string                 `yaml:"type"`
	DeployParameters map[string]interface{} `yaml:"deploy_parameters"`
}

func NewIndex(baseDir string) (*Index, error) {
	idx := &Index{
		challs: make(map[uint]*Challenge),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) BuildIndex(baseDir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.challs = make(map[uint]*Challenge)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "example") {
			return filepath.SkipDir
		}
		if d.IsDir() || (d.Name() != "challenge.yml" && d.Name() != "challenge.yaml") {
			return nil
		}
		chall, err := parseChallenge(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if chall.Type != "zync" {
			return filepath.SkipDir
		}
		if _, ok := idx.challs[chall.ID]; ok {
			return fmt.Errorf("duplicate challenge id %d in %s", chall.ID, path)
		}
		idx.challs[chall.ID] = chall
		zap.S().Infof("Registered challenge %d: %s", chall.ID, chall.Name)

		return filepath.SkipDir
	})
	return err
}

func (idx *Index) Get(id uint) (*Challenge, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	chall, ok := idx.challs[id]
	if !ok {
		return nil, fmt.Errorf("challenge not found: %d", id)
	}
	return chall, nil
}

func (idx *Index) GetAll() []*Challenge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	challs := make([]*Challenge, 0, len(idx.challs))
	for _, ch := range idx.challs {
		challs = append(challs, ch)
	}
	return challs
}

func parseChallenge(challengeFilePath string) (*Challenge, error) {
	data, err := os.ReadFile(challengeFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}
	var challenge Challenge
	err = yaml.Unmarshal(data, &challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to parse challenge file: %w", err)
	}
	if challenge.ID == 0 {
		return nil, fmt.Errorf("missing id in challenge file")
	}
	if challenge.Name == "" {
		return nil, fmt.Errorf("missing name in challenge file")
	}
	if challenge.Type == "" {
		return nil, fmt.Errorf("missing type in challenge file")
	}
	if challenge.Type == "zync" && challenge.PlaybookName == "" {
		return nil, fmt.Errorf("missing playbook_name in challenge file")
	}

	return &challenge, nil
}
