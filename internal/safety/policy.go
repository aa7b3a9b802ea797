package safety

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

//go:embed policies/*.rego
var builtinPolicies embed.FS

const decisionQuery = "data.touch.safety.decision"

// Decision is the pre-screen result.
type Decision struct {
	Allow      bool
	Reason     string
	Categories []string
}

// Policy evaluates the Rego pre-screen. Policies come from dir when it holds
// .rego files, otherwise from the embedded default.
type Policy struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
}

func NewPolicy(dir string, logger *zap.Logger) (*Policy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{dir: dir, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload recompiles the policy set. On error the previous set stays active.
func (p *Policy) Reload() error {
	modules, err := p.load()
	if err != nil {
		return err
	}
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	names := make([]string, 0, len(modules))
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
		names = append(names, name)
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile safety policies: %w", err)
	}

	p.mu.Lock()
	p.prepared = &prepared
	p.mu.Unlock()

	sort.Strings(names)
	p.logger.Info("Safety policies loaded", zap.Strings("modules", names))
	return nil
}

func (p *Policy) load() (map[string]string, error) {
	modules := make(map[string]string)
	if p.dir != "" {
		err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			rel, _ := filepath.Rel(p.dir, path)
			modules[rel] = string(content)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk policy directory: %w", err)
		}
		if len(modules) > 0 {
			return modules, nil
		}
		p.logger.Warn("No .rego files in policy directory; using built-in policy", zap.String("dir", p.dir))
	}

	err := fs.WalkDir(builtinPolicies, "policies", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := builtinPolicies.ReadFile(path)
		if err != nil {
			return err
		}
		modules[path] = string(content)
		return nil
	})
	return modules, err
}

// Evaluate runs the pre-screen for one stage ("input" or "output").
func (p *Policy) Evaluate(ctx context.Context, stage, text string) (Decision, error) {
	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()

	rs, err := prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"stage": stage,
		"text":  text,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}
	// Default allow when the policy set yields nothing.
	d := Decision{Allow: true}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return d, nil
	}
	switch v := rs[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
		if cats, ok := v["categories"].([]interface{}); ok {
			for _, c := range cats {
				if s, ok := c.(string); ok {
					d.Categories = append(d.Categories, s)
				}
			}
		}
	case bool:
		d.Allow = v
	}
	return d, nil
}
