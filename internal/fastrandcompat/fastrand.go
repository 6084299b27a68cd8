// Package fastrandcompat restores the sync.fastrand linkname target that
// github.com/grailbio/hts/sam pulls in via go:linkname. Go 1.19 removed
// sync.fastrand from the runtime, so on newer toolchains any binary linking
// hts/sam fails with "relocation target sync.fastrand not defined" unless a
// definition is linked in. The definition here forwards to runtime.fastrand,
// which is exactly what sync.fastrand aliased before Go 1.19.
package fastrandcompat

import _ "unsafe" // for go:linkname

//go:linkname runtimeFastrand runtime.fastrand
func runtimeFastrand() uint32

//go:linkname syncFastrand sync.fastrand
func syncFastrand() uint32 { return runtimeFastrand() }
