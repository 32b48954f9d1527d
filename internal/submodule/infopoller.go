package submodule

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
)

// AddressRange is a half-open [Start, End) target-address range.
type AddressRange struct {
	Start, End protocol.Address
}

// regionKind is the "type" byte of a GetSpecialMemoryRegionLocation
// exchange, distinguishing a readonly region from a forbidden one.
const (
	regionKindReadonly  uint8 = 0
	regionKindForbidden uint8 = 1
)

// DeviceInfo is InfoPoller's result, published only once fully populated —
// consumers never observe a partially-scanned device.
type DeviceInfo struct {
	ProtocolMajor, ProtocolMinor uint8
	SoftwareID                  [protocol.SoftwareIdLength]byte
	SupportedFeatures           []byte
	AddressSize                 protocol.AddressSize
	ReadonlyRegions             []AddressRange
	ForbiddenRegions            []AddressRange
}

type infoStep uint8

const (
	stepProtocolVersion infoStep = iota
	stepSoftwareID
	stepSupportedFeatures
	stepRegionCount
	stepRegionLocation
	stepComplete
)

// InfoPoller is the one-shot device capability/memory-map scan, run once
// per Connected entry. Any failure regresses DeviceHandler to Connecting —
// not all the way to DiscoveringDevice, since the live session survives an
// info-poll failure and only the handshake needs redoing if it ever does.
//
// Address-size sourcing: the GetSupportedFeatures payload carries the
// device's announced address size as its first byte; the remainder is the
// opaque feature bitmap. Nothing earlier in the handshake announces the
// pointer width, and the region-location decode below needs it.
type InfoPoller struct {
	c        *codec.V1
	phase    Phase
	step     infoStep
	regionIx int

	info             DeviceInfo
	readonlyCount    uint8
	forbiddenCount   uint8
}

func NewInfoPoller(c *codec.V1) *InfoPoller {
	return &InfoPoller{c: c, phase: Disabled}
}

func (p *InfoPoller) Phase() Phase { return p.phase }

func (p *InfoPoller) Enable() {
	p.phase = SIdle
	p.step = stepProtocolVersion
	p.regionIx = 0
	p.info = DeviceInfo{}
}

func (p *InfoPoller) Disable() { p.phase = Disabled }

func (p *InfoPoller) Poll(nowUs uint64) Action {
	if p.phase != SIdle {
		return none()
	}
	switch p.step {
	case stepProtocolVersion:
		return p.issue(protocol.CommandGetInfo, protocol.GetInfoProtocolVersion, nil)
	case stepSoftwareID:
		return p.issue(protocol.CommandGetInfo, protocol.GetInfoSoftwareId, nil)
	case stepSupportedFeatures:
		return p.issue(protocol.CommandGetInfo, protocol.GetInfoSupportedFeatures, nil)
	case stepRegionCount:
		return p.issue(protocol.CommandGetInfo, protocol.GetInfoSpecialMemoryRegionCount, nil)
	case stepRegionLocation:
		kind, index, ok := p.nextRegionRequest()
		if !ok {
			p.step = stepComplete
			p.phase = Done
			return done()
		}
		data, _ := p.c.EncodeGetSpecialMemoryRegionLocationRequest(kind, index)
		return p.issue(protocol.CommandGetInfo, protocol.GetInfoSpecialMemoryRegionLoc, data)
	}
	return none()
}

func (p *InfoPoller) issue(cmd protocol.CommandId, subfn uint8, data []byte) Action {
	p.phase = InFlight
	return send(protocol.Request{CommandId: cmd, SubfunctionId: subfn, Data: data}, priority.Normal, DefaultRequestTimeoutUs)
}

// nextRegionRequest returns the (kind, index) of the next
// GetSpecialMemoryRegionLocation call, walking all readonly regions then
// all forbidden ones, or ok==false once both counts are exhausted.
func (p *InfoPoller) nextRegionRequest() (kind, index uint8, ok bool) {
	if p.regionIx < int(p.readonlyCount) {
		return regionKindReadonly, uint8(p.regionIx), true
	}
	fIdx := p.regionIx - int(p.readonlyCount)
	if fIdx < int(p.forbiddenCount) {
		return regionKindForbidden, uint8(fIdx), true
	}
	return 0, 0, false
}

func (p *InfoPoller) HandleResult(r dispatcher.Result) {
	if p.phase != InFlight {
		return
	}
	if r.Err != nil || r.Response.ResponseCode != protocol.ResponseOK {
		p.phase = Failed
		return
	}
	switch p.step {
	case stepProtocolVersion:
		v, err := p.c.DecodeProtocolVersionResponse(r.Response.Data)
		if err != nil {
			p.phase = Failed
			return
		}
		p.info.ProtocolMajor, p.info.ProtocolMinor = v.Major, v.Minor
		p.step = stepSoftwareID
		p.phase = SIdle
	case stepSoftwareID:
		id, err := p.c.DecodeSoftwareIdResponse(r.Response.Data)
		if err != nil {
			p.phase = Failed
			return
		}
		p.info.SoftwareID = id
		p.step = stepSupportedFeatures
		p.phase = SIdle
	case stepSupportedFeatures:
		raw, err := p.c.DecodeSupportedFeaturesResponse(r.Response.Data)
		if err != nil || len(raw) < 1 {
			p.phase = Failed
			return
		}
		addrSize := protocol.AddressSize(raw[0])
		if !addrSize.Valid() {
			p.phase = Failed
			return
		}
		p.info.AddressSize = addrSize
		p.info.SupportedFeatures = raw[1:]
		p.step = stepRegionCount
		p.phase = SIdle
	case stepRegionCount:
		c, err := p.c.DecodeSpecialMemoryRegionCountResponse(r.Response.Data)
		if err != nil {
			p.phase = Failed
			return
		}
		p.readonlyCount = c.Readonly
		p.forbiddenCount = c.Forbidden
		p.step = stepRegionLocation
		p.phase = SIdle
	case stepRegionLocation:
		loc, err := p.c.DecodeSpecialMemoryRegionLocationResponse(r.Response.Data, p.info.AddressSize)
		if err != nil {
			p.phase = Failed
			return
		}
		rng := AddressRange{Start: loc.Start, End: loc.End}
		if loc.Type == regionKindReadonly {
			p.info.ReadonlyRegions = append(p.info.ReadonlyRegions, rng)
		} else {
			p.info.ForbiddenRegions = append(p.info.ForbiddenRegions, rng)
		}
		p.regionIx++
		if _, _, more := p.nextRegionRequest(); !more {
			p.step = stepComplete
			p.phase = Done
			return
		}
		p.phase = SIdle
	}
}

// Failed reports whether the scan needs to regress DeviceHandler to
// Connecting.
func (p *InfoPoller) Failed() bool { return p.phase == Failed }

func (p *InfoPoller) RegressAction(reason error) Action {
	return regress(devicephase.Connecting, reason)
}

// Result returns the populated DeviceInfo once Phase()==Done.
func (p *InfoPoller) Result() DeviceInfo { return p.info }
