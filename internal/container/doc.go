// Package container resolves application-group shared container directories.
//
// A shared container is a directory that several related applications (an
// app and its extensions, a daemon and its CLI) may all read and write. Each
// container is addressed by a group identifier such as
// "group.com.example.app". Only groups that have been registered, the local
// equivalent of holding the group entitlement, resolve to a directory.
//
// Resolution is pure path arithmetic: it never touches the filesystem, so the
// returned directory need not exist yet.
package container
