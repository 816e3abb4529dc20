// Package core provides the foundational types and interfaces for FeedFlow
// recommendation pipelines.
//
// This package contains:
//   - Core types: NodeKind, ItemKind, Candidate, RequestContext
//   - Interfaces: Node, DataGateway
//   - SafeProcess, the degradation wrapper every engine step runs through
package core

// NodeKind identifies the pipeline stage a node implements.
// The set of kinds is intentionally small to avoid growing a "node zoo".
type NodeKind string

const (
	NodeKindRecall    NodeKind = "recall"
	NodeKindRank      NodeKind = "rank"
	NodeKindFilter    NodeKind = "filter"
	NodeKindBlend     NodeKind = "blend"
	NodeKindTransform NodeKind = "transform"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// ParseNodeKind converts a string to a NodeKind.
func ParseNodeKind(s string) NodeKind {
	return NodeKind(s)
}

// ItemKind identifies what a candidate is: organic content, an ad, or a
// product listing.
type ItemKind string

const (
	ItemKindContent ItemKind = "content"
	ItemKindAd      ItemKind = "ad"
	ItemKindProduct ItemKind = "product"
)

// String returns the string representation of the ItemKind.
func (k ItemKind) String() string {
	return string(k)
}

// AllItemKinds returns every known item kind in declaration order.
func AllItemKinds() []ItemKind {
	return []ItemKind{ItemKindContent, ItemKindAd, ItemKindProduct}
}
