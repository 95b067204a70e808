package monitor

import (
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// The skip state machine and the stores behind it are transport-free:
// HTTP stays in internal/spotify and internal/api.
func TestNoTransportImportsInDomainPackages(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedImports | packages.NeedName}
	pkgs, err := packages.Load(cfg,
		"github.com/skipwatch/skipwatch/internal/monitor",
		"github.com/skipwatch/skipwatch/internal/skipstore",
		"github.com/skipwatch/skipwatch/internal/stats",
		"github.com/skipwatch/skipwatch/internal/settings",
		"github.com/skipwatch/skipwatch/internal/bus",
	)
	if err != nil {
		t.Fatalf("failed to load packages: %v", err)
	}

	forbiddenPatterns := []string{
		"net/http",
		"github.com/go-chi/chi",
		"github.com/skipwatch/skipwatch/internal/api",
		"github.com/skipwatch/skipwatch/internal/core",
	}

	for _, pkg := range pkgs {
		for imp := range pkg.Imports {
			for _, pattern := range forbiddenPatterns {
				if strings.Contains(imp, pattern) {
					t.Errorf("forbidden import in %s: %s (matches pattern %s)", pkg.PkgPath, imp, pattern)
				}
			}
		}
	}
}
