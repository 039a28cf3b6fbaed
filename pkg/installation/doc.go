// Package installation gives access to the installed image: where its
// content lives on disk, which patches are applied to the identity and to
// each layer and add-on, and how that state is changed.
//
// The state of an installation is kept in .installation/installation.toml
// below the installation root. Applied patches keep their history below
// .installation/patches/<patch-id>. Module and bundle content of a layer or
// add-on is never patched in place: every patch element writes into its own
// overlay directory and the target's applied patch ids decide which overlay
// is active.
//
// All changes go through a Modification obtained from
// Manager.ModifyInstallation. Only one Modification may be open per
// installation; it ends with either Commit or Cancel.
package installation
