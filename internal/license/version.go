package license

// Version is reported to the license server in the User-Agent header.
// Overridden at build time with -ldflags.
var Version = "dev"
