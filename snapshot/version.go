package snapshot

import "github.com/zeebo/xxh3"

// Version names the engine build. Data written by any other build is
// rejected.
const Version = "heapsnap 0.4.0 (snapshot format 4)"

// VersionHash is stored in every snapshot header.
func VersionHash() uint32 { return uint32(xxh3.HashString(Version)) }
