package transcoder

// EncoderFamily names one of the supported hardware encoders.
type EncoderFamily string

const (
	FamilyHEVC EncoderFamily = "hevc_nvenc"
	FamilyAV1  EncoderFamily = "av1_nvenc"
)

// FamilyParams is the fixed parameter record of an encoder family.
type FamilyParams struct {
	Encoder     string
	Preset      string
	Profile     string
	RateControl string
	Extra       []string // quality and lookahead flags, in order
	CodecTag    string
	PixelFormat string
}

var familyParams = map[EncoderFamily]FamilyParams{
	FamilyHEVC: {
		Encoder:     string(FamilyHEVC),
		Preset:      "p7",
		Profile:     "main10",
		RateControl: "vbr",
		Extra: []string{
			"-aq-strength", "15",
			"-spatial-aq", "1",
			"-temporal-aq", "1",
			"-rc-lookahead", "64",
		},
		CodecTag:    "hvc1",
		PixelFormat: "yuv420p10le",
	},
	FamilyAV1: {
		Encoder:     string(FamilyAV1),
		Preset:      "p7",
		Profile:     "main",
		RateControl: "vbr",
		Extra: []string{
			"-multipass", "fullres",
			"-spatial-aq", "1",
			"-temporal-aq", "1",
			"-rc-lookahead", "32",
		},
		CodecTag:    "av01",
		PixelFormat: "yuv420p10le",
	},
}

// ParseFamily validates an encoder name from configuration.
func ParseFamily(name string) (EncoderFamily, error) {
	f := EncoderFamily(name)
	if _, ok := familyParams[f]; !ok {
		return "", &CommandBuildError{Encoder: name}
	}
	return f, nil
}

// Params returns the family's parameter record.
func (f EncoderFamily) Params() (FamilyParams, error) {
	p, ok := familyParams[f]
	if !ok {
		return FamilyParams{}, &CommandBuildError{Encoder: string(f)}
	}
	return p, nil
}

// ProfileKind selects the output shape.
type ProfileKind int

const (
	KindPlain ProfileKind = iota
	KindWatermarked
)

func (k ProfileKind) String() string {
	if k == KindWatermarked {
		return "watermarked"
	}
	return "plain"
}

// EncodeProfile is chosen once per job and never changed.
type EncodeProfile struct {
	Kind   ProfileKind
	Family EncoderFamily
}

// SelectProfile picks the long or short encoder by comparing the duration
// with the threshold.
func SelectProfile(kind ProfileKind, durationSec, thresholdMinutes float64, longEncoder, shortEncoder string) (EncodeProfile, error) {
	name := shortEncoder
	if durationSec/60 > thresholdMinutes {
		name = longEncoder
	}
	f, err := ParseFamily(name)
	if err != nil {
		return EncodeProfile{}, err
	}
	return EncodeProfile{Kind: kind, Family: f}, nil
}
