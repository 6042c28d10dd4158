package health

import (
	"context"
	"fmt"
	"os"

	"github.com/zsiec/salvage/internal/repair/profile"
)

// WorkDirChecker checks that uploads and repaired files can be written.
type WorkDirChecker struct {
	path string
}

// NewWorkDirChecker creates a checker for the service work directory.
func NewWorkDirChecker(path string) *WorkDirChecker {
	return &WorkDirChecker{path: path}
}

// Name returns the name of the checker.
func (d *WorkDirChecker) Name() string {
	return "work_dir"
}

// Details implements Detailer.
func (d *WorkDirChecker) Details() map[string]interface{} {
	return map[string]interface{}{"path": d.path}
}

// Check creates and removes a probe file in the work directory.
func (d *WorkDirChecker) Check(ctx context.Context) error {
	if d.path == "" {
		return fmt.Errorf("work directory not configured")
	}

	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("work directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("work directory %s is not a directory", d.path)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := os.CreateTemp(d.path, ".health-*")
	if err != nil {
		return fmt.Errorf("work directory not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("cannot remove probe file: %w: %w", err, ErrDegraded)
	}
	return nil
}

// CatalogChecker checks that the format catalog offers both families.
type CatalogChecker struct {
	catalog *profile.Catalog
}

// NewCatalogChecker creates a checker for the loaded format catalog.
func NewCatalogChecker(catalog *profile.Catalog) *CatalogChecker {
	return &CatalogChecker{catalog: catalog}
}

// Name returns the name of the checker.
func (c *CatalogChecker) Name() string {
	return "catalog"
}

// Details implements Detailer.
func (c *CatalogChecker) Details() map[string]interface{} {
	if c.catalog == nil {
		return nil
	}
	details := make(map[string]interface{})
	for _, fam := range c.catalog.Families() {
		details[string(fam)] = len(c.catalog.Profiles(fam))
	}
	return details
}

// Check reports a missing family as degraded: repairs that need no
// format still work.
func (c *CatalogChecker) Check(ctx context.Context) error {
	if c.catalog == nil {
		return fmt.Errorf("format catalog not loaded")
	}
	for _, fam := range []profile.Family{profile.FamilyLegacy, profile.FamilyNewStyle} {
		if len(c.catalog.Profiles(fam)) == 0 {
			return fmt.Errorf("no %s formats in catalog: %w", fam, ErrDegraded)
		}
	}
	return nil
}
