// Package source reads the application tree that is copied into the
// working root.
//
// A Tree walks a directory in lexical order, skipping excluded names,
// symbolic links and any directory the caller marks as off-limits (the
// local working root when it lives inside the tree). The same walk drives
// Copy, Hash and the Docker build context, so every backend sees the same
// set of files.
//
// Git metadata is optional: GitRevision shells out to the git CLI and
// reports nothing, without error, when the tree is not a checkout or git
// is not installed.
package source
