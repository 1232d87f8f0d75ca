// Local image store.
//
// Images and layers are kept in an OCI image layout directory. Tags are
// separate JSON records under tags/, one per reference, each naming the
// manifest digest it points to. Publishing writes every blob first and then
// replaces the tag record with a rename, so the tag moves in a single step
// and a failed or cancelled build leaves the previous image in place. Blobs
// written before a failure are unreferenced but harmless.
package store
