package bpv7

// BundleControlFlags is the decoded form of the primary-block
// bundle-processing-control-flags bitmap (RFC 9171 section 4.2.3).
type BundleControlFlags struct {
	IsFragment      bool
	IsAdminRecord   bool
	MustNotFragment bool
	AppAckRequested bool
	StatusTime      bool
	ReportReception bool
	ReportForward   bool
	ReportDelivery  bool
	ReportDeletion  bool
}

// bundleFlagBits is the static field-to-mask translation table. Encode and
// decode walk it in order; the wire value is the OR of the masked bits.
var bundleFlagBits = []struct {
	mask uint64
	sel  func(*BundleControlFlags) *bool
}{
	{0x000001, func(f *BundleControlFlags) *bool { return &f.IsFragment }},
	{0x000002, func(f *BundleControlFlags) *bool { return &f.IsAdminRecord }},
	{0x000004, func(f *BundleControlFlags) *bool { return &f.MustNotFragment }},
	{0x000020, func(f *BundleControlFlags) *bool { return &f.AppAckRequested }},
	{0x000040, func(f *BundleControlFlags) *bool { return &f.StatusTime }},
	{0x004000, func(f *BundleControlFlags) *bool { return &f.ReportReception }},
	{0x010000, func(f *BundleControlFlags) *bool { return &f.ReportForward }},
	{0x020000, func(f *BundleControlFlags) *bool { return &f.ReportDelivery }},
	{0x040000, func(f *BundleControlFlags) *bool { return &f.ReportDeletion }},
}

// Encode packs the flags into the wire integer.
func (f *BundleControlFlags) Encode() uint64 {
	var v uint64
	for _, bit := range bundleFlagBits {
		if *bit.sel(f) {
			v |= bit.mask
		}
	}
	return v
}

// DecodeBundleControlFlags unpacks a wire integer. Unassigned bits are
// ignored, per RFC 9171.
func DecodeBundleControlFlags(v uint64) BundleControlFlags {
	var f BundleControlFlags
	for _, bit := range bundleFlagBits {
		*bit.sel(&f) = v&bit.mask != 0
	}
	return f
}

// BlockProcessingFlags is the decoded form of the canonical-block
// processing-control-flags bitmap (RFC 9171 section 4.2.4).
type BlockProcessingFlags struct {
	MustReplicate      bool
	ReportOnFail       bool
	DeleteBundleOnFail bool
	DiscardBlockOnFail bool
}

var blockFlagBits = []struct {
	mask uint64
	sel  func(*BlockProcessingFlags) *bool
}{
	{0x01, func(f *BlockProcessingFlags) *bool { return &f.MustReplicate }},
	{0x02, func(f *BlockProcessingFlags) *bool { return &f.ReportOnFail }},
	{0x04, func(f *BlockProcessingFlags) *bool { return &f.DeleteBundleOnFail }},
	{0x10, func(f *BlockProcessingFlags) *bool { return &f.DiscardBlockOnFail }},
}

// Encode packs the flags into the wire integer.
func (f *BlockProcessingFlags) Encode() uint64 {
	var v uint64
	for _, bit := range blockFlagBits {
		if *bit.sel(f) {
			v |= bit.mask
		}
	}
	return v
}

// DecodeBlockProcessingFlags unpacks a wire integer.
func DecodeBlockProcessingFlags(v uint64) BlockProcessingFlags {
	var f BlockProcessingFlags
	for _, bit := range blockFlagBits {
		*bit.sel(&f) = v&bit.mask != 0
	}
	return f
}
