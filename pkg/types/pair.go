package types

// RegionPair is an ordered (source, destination) test pair.
type RegionPair struct {
	Src Region
	Dst Region
}

// PairKey identifies a directed pair by region identity.
type PairKey struct {
	Src RegionKey
	Dst RegionKey
}

func (k PairKey) String() string {
	return k.Src.String() + "->" + k.Dst.String()
}

func (p RegionPair) Key() PairKey {
	return PairKey{Src: p.Src.Key(), Dst: p.Dst.Key()}
}

func (p RegionPair) CloudPair() CloudPair {
	return CloudPair{From: p.Src.Cloud, To: p.Dst.Cloud}
}

func (p RegionPair) String() string {
	return p.Key().String()
}

// Batch is a list of pairs provisioned, tested and torn down together.
type Batch []RegionPair

// UniqueRegions returns each region referenced by pairs once, in first-seen order.
func UniqueRegions(pairs []RegionPair) []Region {
	seen := make(map[RegionKey]struct{}, len(pairs))
	var out []Region
	for _, p := range pairs {
		for _, r := range [2]Region{p.Src, p.Dst} {
			if _, ok := seen[r.Key()]; ok {
				continue
			}
			seen[r.Key()] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
