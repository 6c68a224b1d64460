// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command kiln-build is a minimal driver for the engine: it reads a
// flat JSON rule manifest from the source tree and builds one target
// or alias named on the command line. It exists to exercise
// pkg/engine end to end, not to define a rule language of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/manifest"
	"kiln/internal/metrics"
	"kiln/internal/shellrunner"
	"kiln/pkg/buildpath"
	"kiln/pkg/engine"
)

const buildContext = "default"

func main() {
	var (
		sourceRoot   = flag.String("source-root", ".", "Source tree root")
		buildRoot    = flag.String("build-root", ".kiln", "Build tree root")
		manifestPath = flag.String("manifest", "kiln-build.json", "Path to the JSON rule manifest, relative to source-root")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		metricsAddr  = flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address instead of exiting after the build")
		alias        = flag.String("alias", "", "Build an alias instead of a file target")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	target := flag.Arg(0)
	if target == "" && *alias == "" {
		fatalf("usage: kiln-build [flags] <target>")
	}

	cfg, err := config.LoadFromEnv(config.Default())
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	cfg.SourceRoot = *sourceRoot
	cfg.BuildRoot = *buildRoot
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}

	m, err := manifest.Load(resolvePath(cfg.SourceRoot, *manifestPath))
	if err != nil {
		fatalf("load manifest: %v", err)
	}

	gen := manifest.NewGenerator(m, buildContext)
	interpreter := shellrunner.New(m)

	eng, err := engine.New(cfg, gen, interpreter, nil)
	if err != nil {
		fatalf("initialize engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("close engine", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *alias != "" {
		dir, name := splitAlias(*alias)
		facts, err := eng.BuildAlias(ctx, buildpath.Dir{Context: buildContext, Sub: dir}, name)
		if err != nil {
			fatalf("build alias %s: %v", *alias, err)
		}
		logger.Info("alias built", "alias", *alias, "facts", len(facts))
	} else {
		facts, err := eng.Build(ctx, buildpath.Build(buildContext, target))
		if err != nil {
			fatalf("build %s: %v", target, err)
		}
		logger.Info("build complete", "target", target, "facts", len(facts))
	}

	if *metricsAddr != "" {
		logger.Info("serving metrics", "addr", *metricsAddr)
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			fatalf("serve metrics: %v", err)
		}
	}
}

// splitAlias splits "dir/name" into its directory and alias name, with
// an alias at the source root spelled as a bare name.
func splitAlias(s string) (dir, name string) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return "", s
	}
	return s[:idx], s[idx+1:]
}

func resolvePath(root, p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return root + string(os.PathSeparator) + p
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "kiln-build: "+format+"\n", args...)
	os.Exit(1)
}
