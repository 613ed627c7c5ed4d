// Package budget enforces hard spending limits on external AI calls.
// All money is integer cents; estimation rounds up, so the reserve and
// reconcile cycle can never overshoot a limit through truncation.
package budget

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ModelRate prices one model in cents per million tokens, split by
// direction because output tokens cost several times more.
type ModelRate struct {
	InputCentsPerMTok  int64 `yaml:"input_cents_per_mtok"`
	OutputCentsPerMTok int64 `yaml:"output_cents_per_mtok"`
}

// pricingFile is the on-disk shape of pricing.yaml.
type pricingFile struct {
	Version int                  `yaml:"version"`
	Models  map[string]ModelRate `yaml:"models"`
}

// defaultRates cover the models shipped in the default config, used when
// no pricing file exists. Conservative (high) so an out-of-date table
// over-reserves rather than under-reserves.
var defaultRates = map[string]ModelRate{
	"gemini-2.0-flash":      {InputCentsPerMTok: 10, OutputCentsPerMTok: 40},
	"gemini-2.0-flash-lite": {InputCentsPerMTok: 8, OutputCentsPerMTok: 30},
	"gemini-embedding-001":  {InputCentsPerMTok: 2, OutputCentsPerMTok: 0},
	"default":               {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
}

// Pricing is a hot-reloadable rate table. Reads are cheap; reloads swap
// the whole map under the write lock.
type Pricing struct {
	mu      sync.RWMutex
	version int
	rates   map[string]ModelRate
	path    string
	log     *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadPricing reads the table from path, falling back to the built-in
// defaults when the file does not exist.
func LoadPricing(path string, log *zap.Logger) (*Pricing, error) {
	p := &Pricing{rates: defaultRates, path: path, log: log}
	if path == "" {
		return p, nil
	}
	if err := p.reload(); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

func (p *Pricing) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if len(f.Models) == 0 {
		return fmt.Errorf("pricing file %s lists no models", p.path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Version < p.version {
		return fmt.Errorf("pricing version went backwards: %d -> %d", p.version, f.Version)
	}
	p.version = f.Version
	p.rates = f.Models
	return nil
}

// Rate returns the rate for model, or the default entry when unknown.
func (p *Pricing) Rate(model string) ModelRate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.rates[model]; ok {
		return r
	}
	if r, ok := p.rates["default"]; ok {
		return r
	}
	return defaultRates["default"]
}

// Version reports the loaded table version.
func (p *Pricing) Version() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Watch reloads the table when the pricing file changes on disk. A bad
// edit keeps the previous table and logs the parse failure.
func (p *Pricing) Watch() error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pricing watcher: %w", err)
	}
	if err := w.Add(p.path); err != nil {
		// The file may not exist yet; watching is best effort.
		w.Close()
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to watch pricing file: %w", err)
	}
	p.watcher = w
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.reload(); err != nil {
					p.log.Warn("pricing reload failed, keeping previous table", zap.Error(err))
					continue
				}
				p.log.Info("pricing table reloaded", zap.Int("version", p.Version()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn("pricing watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (p *Pricing) Close() {
	if p.watcher != nil {
		p.watcher.Close()
		<-p.done
		p.watcher = nil
	}
}

// Cost converts a token count to cents at rate, rounding up.
func Cost(tokens, centsPerMTok int64) int64 {
	if tokens <= 0 || centsPerMTok <= 0 {
		return 0
	}
	return (tokens*centsPerMTok + 999_999) / 1_000_000
}

// CallCost prices a full call: both directions, each rounded up.
func CallCost(rate ModelRate, inputTokens, outputTokens int64) int64 {
	return Cost(inputTokens, rate.InputCentsPerMTok) + Cost(outputTokens, rate.OutputCentsPerMTok)
}
