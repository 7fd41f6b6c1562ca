// Package version contains the build version of the program.
package version

// VersionString is set at build time with:
//
//	-ldflags "-X github.com/ameshkov/sniparse/internal/version.VersionString=v1.0.0"
var VersionString = "undefined"
