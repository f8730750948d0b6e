package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/wegman-software/osmindex/internal/blobindex"
	"github.com/wegman-software/osmindex/internal/bufpool"
	"github.com/wegman-software/osmindex/internal/element"
	"github.com/wegman-software/osmindex/internal/pbf"
	"github.com/wegman-software/osmindex/internal/walker"
)

// openWalker loads or builds the blob index of cfg.InputFile and returns a
// walker over it. Index build and walker share one buffer pool.
func openWalker(ctx context.Context) (*walker.Walker, error) {
	if err := cfg.ValidateInput(); err != nil {
		return nil, err
	}
	pool := bufpool.New(cfg.BufferSize)
	ix, err := blobindex.LoadOrBuild(ctx, cfg.InputFile, cfg.IndexPath(), blobindex.BuildOptions{
		Workers:          cfg.Workers,
		Pool:             pool,
		ProgressInterval: cfg.MetricsInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("blob index: %w", err)
	}
	return walker.New(cfg.InputFile, ix, walker.Options{
		Workers:          cfg.Workers,
		BufferSize:       cfg.BufferSize,
		QueueDepth:       cfg.QueueDepth,
		Pool:             pool,
		ProgressInterval: cfg.MetricsInterval,
	}), nil
}

// filterFlags are the tag selection flags shared by scan, dump and deps
type filterFlags struct {
	file  string
	tags  []string
	kinds []string
}

// compile merges the rule file and --tag rules. A nil filter selects every
// element. Kinds from --kind win over kinds named in the rule file.
func (ff *filterFlags) compile(defaultKinds element.KindMask) (*pbf.TagFilter, element.KindMask, error) {
	var rules []pbf.TagRule
	mask := defaultKinds
	if ff.file != "" {
		rf, err := pbf.LoadRules(ff.file)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, rf.Rules...)
		if len(rf.Kinds) > 0 {
			if mask, err = rf.Mask(); err != nil {
				return nil, 0, err
			}
		}
	}
	for _, s := range ff.tags {
		r, err := pbf.ParseTagRule(s)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, r)
	}
	if len(ff.kinds) > 0 {
		mask = 0
		for _, s := range ff.kinds {
			for _, part := range strings.Split(s, ",") {
				k, err := element.ParseKind(part)
				if err != nil {
					return nil, 0, err
				}
				mask |= element.MaskOf(k)
			}
		}
	}
	if len(rules) == 0 {
		return nil, mask, nil
	}
	f, err := pbf.CompileFilter(rules)
	if err != nil {
		return nil, 0, err
	}
	return f, mask, nil
}
