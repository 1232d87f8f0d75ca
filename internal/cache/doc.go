// Indexes built layers by cache key.
//
// A cache key identifies one build step: the key of the step before it, the
// canonical instruction and the hashes of the step's own inputs. The index
// maps each key to the layer it produced. Layer blobs live in the image
// store; the index only records their digests, so pruning the index never
// deletes data and a missing blob simply turns a hit into a miss.
//
// The index is a YAML file rewritten atomically on Save.
package cache
