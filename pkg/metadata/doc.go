// Package metadata describes patches: the identity they apply to, the
// layer and add-on elements they carry and the content modifications of
// each. It also reads and writes the two history descriptors, patch.xml
// and rollback.xml.
//
// A Patch is immutable once parsed. ContentModification records both the
// digest expected at the location before the change and the digest it has
// afterwards; NoContent stands for absence, so an ADD expects NoContent and
// a REMOVE leaves NoContent behind.
package metadata
