package version

// mainpkg is the overall, canonical project import path under which the
// package was built.
var mainpkg = "github.com/distribution/imagebuilder"

// version indicates which version of the binary is running. It is replaced
// at link time with the release tag; the "+unknown" suffix marks builds that
// were not stamped.
var version = "v0.1.0+unknown"

// revision is filled with the VCS (e.g. git) revision being used to build
// the program at linking time.
var revision = ""
