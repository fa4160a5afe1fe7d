package indexfile

import (
	"fmt"

	"github.com/i5heu/taxindex/pkg/taxonomy"
	"google.golang.org/protobuf/encoding/protowire"
)

// NodeRecord is one row of the node table. Parent is taxonomy.NoParent for
// kingdom nodes.
type NodeRecord struct {
	ID        taxonomy.NodeID
	Rank      taxonomy.Rank
	Name      string
	Parent    taxonomy.NodeID
	KmerCount uint64
}

// PostingRecord lists the nodes of one rank that hold one k-mer. Nodes are
// sorted ascending.
type PostingRecord struct {
	Rank  taxonomy.Rank
	Kmer  uint32
	Nodes []taxonomy.NodeID
}

const (
	nodeFieldID        protowire.Number = 1
	nodeFieldRank      protowire.Number = 2
	nodeFieldName      protowire.Number = 3
	nodeFieldParent    protowire.Number = 4
	nodeFieldKmerCount protowire.Number = 5

	postingFieldRank  protowire.Number = 1
	postingFieldKmer  protowire.Number = 2
	postingFieldNodes protowire.Number = 3
)

func appendNode(b []byte, n NodeRecord) []byte {
	b = protowire.AppendTag(b, nodeFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.ID))
	b = protowire.AppendTag(b, nodeFieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Rank))
	b = protowire.AppendTag(b, nodeFieldName, protowire.BytesType)
	b = protowire.AppendString(b, n.Name)
	if n.Parent != taxonomy.NoParent {
		b = protowire.AppendTag(b, nodeFieldParent, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.Parent))
	}
	b = protowire.AppendTag(b, nodeFieldKmerCount, protowire.VarintType)
	b = protowire.AppendVarint(b, n.KmerCount)
	return b
}

// MarshalNode encodes n as a protobuf wire message.
func MarshalNode(n NodeRecord) []byte {
	return appendNode(nil, n)
}

// UnmarshalNode decodes a message produced by MarshalNode.
func UnmarshalNode(b []byte) (NodeRecord, error) {
	n := NodeRecord{Parent: taxonomy.NoParent}
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return n, wireError(protowire.ParseError(l))
		}
		b = b[l:]

		switch {
		case num == nodeFieldName && typ == protowire.BytesType:
			var s string
			s, l = protowire.ConsumeString(b)
			n.Name = s
		case typ == protowire.VarintType:
			var v uint64
			v, l = protowire.ConsumeVarint(b)
			switch num {
			case nodeFieldID:
				n.ID = taxonomy.NodeID(v)
			case nodeFieldRank:
				n.Rank = taxonomy.Rank(v)
			case nodeFieldParent:
				n.Parent = taxonomy.NodeID(v)
			case nodeFieldKmerCount:
				n.KmerCount = v
			}
		default:
			l = protowire.ConsumeFieldValue(num, typ, b)
		}
		if l < 0 {
			return n, wireError(protowire.ParseError(l))
		}
		b = b[l:]
	}
	if !n.Rank.Valid() {
		return n, fmt.Errorf("%w: node %d has rank %d", ErrCorrupt, n.ID, n.Rank)
	}
	return n, nil
}

func appendPosting(b []byte, p PostingRecord, scratch []byte) ([]byte, []byte) {
	b = protowire.AppendTag(b, postingFieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Rank))
	b = protowire.AppendTag(b, postingFieldKmer, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kmer))

	// ids are delta encoded
	scratch = scratch[:0]
	var prev taxonomy.NodeID
	for _, id := range p.Nodes {
		scratch = protowire.AppendVarint(scratch, uint64(id-prev))
		prev = id
	}
	b = protowire.AppendTag(b, postingFieldNodes, protowire.BytesType)
	b = protowire.AppendBytes(b, scratch)
	return b, scratch
}

// MarshalPosting encodes p as a protobuf wire message.
func MarshalPosting(p PostingRecord) []byte {
	b, _ := appendPosting(nil, p, nil)
	return b
}

// UnmarshalPosting decodes a message produced by MarshalPosting.
func UnmarshalPosting(b []byte) (PostingRecord, error) {
	var p PostingRecord
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return p, wireError(protowire.ParseError(l))
		}
		b = b[l:]

		switch {
		case num == postingFieldNodes && typ == protowire.BytesType:
			var packed []byte
			packed, l = protowire.ConsumeBytes(b)
			if l >= 0 {
				nodes, err := unpackNodes(packed)
				if err != nil {
					return p, err
				}
				p.Nodes = nodes
			}
		case typ == protowire.VarintType:
			var v uint64
			v, l = protowire.ConsumeVarint(b)
			switch num {
			case postingFieldRank:
				p.Rank = taxonomy.Rank(v)
			case postingFieldKmer:
				p.Kmer = uint32(v)
			}
		default:
			l = protowire.ConsumeFieldValue(num, typ, b)
		}
		if l < 0 {
			return p, wireError(protowire.ParseError(l))
		}
		b = b[l:]
	}
	if !p.Rank.Valid() {
		return p, fmt.Errorf("%w: posting for kmer %d has rank %d", ErrCorrupt, p.Kmer, p.Rank)
	}
	return p, nil
}

func unpackNodes(b []byte) ([]taxonomy.NodeID, error) {
	var (
		nodes []taxonomy.NodeID
		prev  taxonomy.NodeID
	)
	for len(b) > 0 {
		v, l := protowire.ConsumeVarint(b)
		if l < 0 {
			return nil, wireError(protowire.ParseError(l))
		}
		prev += taxonomy.NodeID(v)
		nodes = append(nodes, prev)
		b = b[l:]
	}
	return nodes, nil
}

func wireError(err error) error {
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}
