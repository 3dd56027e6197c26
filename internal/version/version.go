package version

// Version is set at build time:
//
//	go build -ldflags "-X github.com/orrn/printd/internal/version.Version=1.2.0"
var Version = "dev"
