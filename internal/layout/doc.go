// Package layout owns the fixed shape of a working root: the four data
// directories the entrypoint expects, the two environment variables it is
// launched with, and the checks that confirm a provisioned root matches.
//
// The directory set and the variables are constants. They are part of the
// contract between the environment and the application, not settings.
package layout
