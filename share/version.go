package chshare

// BuildVersion is the version of relayhttp; release builds set it with
// -ldflags "-X github.com/sammck-go/relayhttp/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"
