// Package plugins manages lazyflow plugins: directories holding a
// plugin.yaml manifest and, for component plugins, a component.star
// Starlark script that becomes a new component kind.
//
// The life cycle mirrors the plugin CLI:
//
//	dir, _ := plugins.Quickstart(plugins.QuickstartOptions{Name: "scale"})
//	dist, _ := plugins.MakeDist(ctx, dir, "")
//	m, _ := plugins.Install(ctx, dist, pluginsDir)
//	names, _ := plugins.RegisterInstalled(pluginsDir, kinds)
//
// Distributions are gzipped tarballs accompanied by a sha256 file;
// Install refuses a distribution whose checksum does not match.
package plugins
