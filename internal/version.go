package internal

import "fmt"

var (
	// These variables are here only to show current version. They are set in makefile during build process
	RelayVersion         = "devel"
	GitRevision          = "devel"
	RelayVersionRevision = fmt.Sprintf("%s-%s", RelayVersion, GitRevision)
)
