/*
Package desired supplies the desired deployment table for a node.

The Source interface decouples the agent from the transport that
delivers the table. FileSource watches a YAML file, which is how a
standalone node is driven; Static is programmatic and backs tests.
Sources notify registered listeners on change but know nothing about
reconciliation; the agent's listener simply pokes its reactor.
*/
package desired
