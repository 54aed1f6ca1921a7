package version

// Version is set at build time with -ldflags "-X github.com/pmdebug/pmdebug/version.Version=...".
var Version string = "0.0.0"
