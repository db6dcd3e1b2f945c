// Package memory keeps an agent's rolling conversation history.
//
// Buffer is the in-process variant. Durable keeps the same bounded buffer as
// its read path and mirrors every added entry to a RowStore in batches
// (write-behind). A failed batch is logged and dropped; entries stay in the
// local buffer for the life of the process.
package memory
