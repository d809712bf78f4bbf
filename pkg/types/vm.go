package types

// VMHandle is the connection info for one VM created for a run.
type VMHandle struct {
	Region      Region
	Address     string
	Name        string
	Zone        string
	MachineType string
}

// PairVMs is a pair together with whatever VMs exist for its endpoints.
type PairVMs struct {
	Pair RegionPair
	Src  *VMHandle
	Dst  *VMHandle
}

// Runnable reports whether both endpoints have a VM.
func (p PairVMs) Runnable() bool {
	return p.Src != nil && p.Dst != nil
}

// TestPair is a runnable pair with both VMs known.
type TestPair struct {
	Src VMHandle
	Dst VMHandle
}

func (t TestPair) Pair() RegionPair {
	return RegionPair{Src: t.Src.Region, Dst: t.Dst.Region}
}

func (t TestPair) Key() PairKey {
	return t.Pair().Key()
}
