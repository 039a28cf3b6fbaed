// Package content unpacks patch archives and gives access to the content
// they carry.
//
// A patch archive is a zip file with patch.xml at its root. The content of
// the identity and of every element lives below a directory named after the
// patch or element id:
//
//	patch.xml
//	<patch-id>/misc/<path>
//	<element-id>/modules/<module path>/<slot>/...
//	<element-id>/bundles/<bundle path>/<slot>/...
//
// Archives holding patches.xml are multi patch bundles and are rejected.
package content
