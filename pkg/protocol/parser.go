package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// ShutdownMessage is the literal a remote status daemon sends when it is
// going down. Kept byte-exact for interoperability with older daemons.
const ShutdownMessage = "SHUTTING DOWN"

// Outbound commands of the client half of the protocol.
const (
	CmdStartStat = "START_STAT"
	CmdStat      = "STAT"
	CmdQuit      = "QUIT"
	CmdLog       = "LOG"
)

// ErrShutdown is returned when the remote announced it is shutting down.
var ErrShutdown = errors.New("remote is shutting down")

// ErrUnknownTag is wrapped into errors for messages the parser cannot
// classify. The session continues; the caller logs the offending bytes.
var ErrUnknownTag = errors.New("unknown protocol tag")

// Parser decodes framed protocol messages into typed updates. It keeps no
// state beyond the remote's typesize vector and a per-tag warn latch, never
// touches the filesystem and retains no reference to its input.
type Parser struct {
	log      zerolog.Logger
	typesize types.Typesize
	warned   map[string]bool
}

// NewParser creates a parser logging through the given logger.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{
		log:    logger,
		warned: make(map[string]bool),
	}
}

// SetTypesize installs the remote's declared field widths. Any later TD
// update is authoritative and replaces the vector.
func (p *Parser) SetTypesize(ts types.Typesize) {
	p.typesize = ts
}

// Parse decodes one message. The message is the bytes between frame
// terminators; a trailing NUL is tolerated. A present field that fails to
// parse is an error; a missing trailing field is not.
func (p *Parser) Parse(msg []byte) (Update, error) {
	if i := bytes.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrUnknownTag)
	}

	if string(msg) == ShutdownMessage {
		return ShutdownNotice{}, nil
	}

	// Numeric command status: three digits then a dash.
	if len(msg) >= 4 && isDigit(msg[0]) && isDigit(msg[1]) && isDigit(msg[2]) && msg[3] == '-' {
		code, _ := strconv.Atoi(string(msg[:3]))
		return CommandReply{Code: code}, nil
	}

	if len(msg) < 2 {
		return nil, fmt.Errorf("%w: short message %q", ErrUnknownTag, msg)
	}
	tag := string(msg[:2])
	var payload []byte
	if len(msg) > 3 {
		payload = msg[3:]
	}

	switch tag {
	case "IS":
		return p.parseIS(payload)
	case "NH":
		n, err := parseInt(payload)
		return HostCount{Count: int(n)}, err
	case "ND":
		n, err := parseInt(payload)
		return DirCount{Count: int(n)}, err
	case "NJ":
		n, err := parseInt(payload)
		return JobCount{Count: int(n)}, err
	case "MC":
		n, err := parseInt(payload)
		return MaxConnections{Value: n}, err
	case "AM":
		n, err := parseInt(payload)
		return SubsystemStatus{Subsystem: SubsystemAMG, Value: int(n)}, err
	case "FD":
		n, err := parseInt(payload)
		return SubsystemStatus{Subsystem: SubsystemFD, Value: int(n)}, err
	case "AW":
		n, err := parseInt(payload)
		return SubsystemStatus{Subsystem: SubsystemArchiveWatch, Value: int(n)}, err
	case "DJ":
		n, err := parseInt(payload)
		return DangerJobs{Threshold: n}, err
	case "AV":
		return VersionUpdate{Version: p.clampString(tag, string(payload), types.MaxVersionLength)}, nil
	case "WD":
		return WorkDirUpdate{Dir: p.clampString(tag, string(payload), types.MaxPathLength)}, nil
	case "LC":
		n, err := parseInt(payload)
		return LogCapabilities{Mask: uint32(n)}, err
	case "TD":
		return p.parseTD(payload)
	case "HL":
		return p.parseHL(payload)
	case "DL":
		return p.parseDL(payload)
	case "JL":
		return p.parseJL(payload, false)
	case "Jl":
		return p.parseJL(payload, true)
	case "EL":
		return p.parseEL(payload)
	case "RH":
		return p.parseHistory(tag, types.HistoryReceive, payload)
	case "TH":
		return p.parseHistory(tag, types.HistoryTransfer, payload)
	case "SH":
		return p.parseHistory(tag, types.HistorySystem, payload)
	case "SR":
		return p.parseSR(payload)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}

// parseIS decodes the interval summary: eight mandatory integers plus up
// to six optional slot-0 counters.
func (p *Parser) parseIS(payload []byte) (Update, error) {
	fields := bytes.Fields(payload)
	if len(fields) < 8 {
		return nil, fmt.Errorf("IS: want at least 8 fields, got %d", len(fields))
	}
	vals := make([]uint64, 0, 14)
	for i, f := range fields {
		if i == 14 {
			break
		}
		v, err := strconv.ParseUint(string(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("IS: field %d: %w", i, err)
		}
		vals = append(vals, v)
	}

	is := IntervalSummary{
		FilesPending:     vals[0],
		BytesPending:     vals[1],
		TransferRate:     vals[2],
		FileRate:         vals[3],
		ErrorCounter:     vals[4],
		HostErrorCounter: vals[5],
		ActiveTransfers:  vals[6],
		JobsInQueue:      vals[7],
		Present:          len(vals) - 8,
	}
	opt := vals[8:]
	if len(opt) > 0 {
		is.FilesSent = opt[0]
	}
	if len(opt) > 1 {
		is.BytesSent = opt[1]
	}
	if len(opt) > 2 {
		is.Connections = opt[2]
	}
	if len(opt) > 3 {
		is.TotalErrors = opt[3]
	}
	if len(opt) > 4 {
		is.FilesReceived = opt[4]
	}
	if len(opt) > 5 {
		is.BytesReceived = opt[5]
	}
	return is, nil
}

func (p *Parser) parseTD(payload []byte) (Update, error) {
	fields := bytes.Fields(payload)
	var td TypesizeUpdate
	for i, f := range fields {
		if i == types.MaxTypesizeValues {
			p.warnOnce("TD", "typesize vector truncated", len(fields))
			break
		}
		v, err := strconv.Atoi(string(f))
		if err != nil {
			return nil, fmt.Errorf("TD: field %d: %w", i, err)
		}
		td.Values[i] = v
		td.N = i + 1
	}
	return td, nil
}

// parseHL decodes "<pos> <alias> <real1> [<real2>]". A missing real
// hostname marks the row as a group header.
func (p *Parser) parseHL(payload []byte) (Update, error) {
	fields := bytes.Fields(payload)
	if len(fields) < 2 {
		return nil, fmt.Errorf("HL: want at least 2 fields, got %d", len(fields))
	}
	pos, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("HL: position: %w", err)
	}

	alias := p.clampString("HL", string(fields[1]), p.aliasWidth())
	entry := types.HostEntry{
		HostID: crc32.ChecksumIEEE([]byte(alias)),
		Alias:  alias,
	}
	if len(fields) > 2 {
		entry.RealHostname[0] = p.clampString("HL", string(fields[2]), p.hostWidth())
	} else {
		entry.RealHostname[0] = string([]byte{types.GroupIdentifier})
	}
	if len(fields) > 3 {
		entry.RealHostname[1] = p.clampString("HL", string(fields[3]), p.hostWidth())
	}
	return HostListEntry{Pos: pos, Entry: entry}, nil
}

// parseDL decodes "<pos> <dir_id_hex> <alias> <name> [<orig> [<user> <home_len_hex>]]".
func (p *Parser) parseDL(payload []byte) (Update, error) {
	fields := bytes.Fields(payload)
	if len(fields) < 4 {
		return nil, fmt.Errorf("DL: want at least 4 fields, got %d", len(fields))
	}
	pos, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("DL: position: %w", err)
	}
	dirID, err := strconv.ParseUint(string(fields[1]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("DL: dir id: %w", err)
	}

	entry := types.DirEntry{
		DirID: uint32(dirID),
		Alias: p.clampString("DL", string(fields[2]), p.dirAliasWidth()),
		Name:  p.clampString("DL", string(fields[3]), types.MaxDirNameLength),
	}
	if len(fields) > 4 {
		entry.OrigName = p.clampString("DL", string(fields[4]), types.MaxDirNameLength)
	}
	if len(fields) > 6 {
		entry.HomeDirUser = p.clampString("DL", string(fields[5]), types.MaxUserNameLength)
		homeLen, err := strconv.ParseInt(string(fields[6]), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("DL: home dir length: %w", err)
		}
		entry.HomeDirLen = int(homeLen)
	}
	return DirListEntry{Pos: pos, Entry: entry}, nil
}

// parseJL decodes "<pos> <job_id_hex> <dir_id_hex> <no_loptions_hex>
// <priority-char> <recipient>". The lowercase-second-letter variant
// carries a blurred recipient.
func (p *Parser) parseJL(payload []byte, blurred bool) (Update, error) {
	// The recipient is the raw remainder: a blurred recipient may contain
	// bytes that look like field separators.
	fields := bytes.SplitN(payload, []byte{' '}, 6)
	if len(fields) < 6 {
		return nil, fmt.Errorf("JL: want 6 fields, got %d", len(fields))
	}
	pos, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("JL: position: %w", err)
	}
	jobID, err := strconv.ParseUint(string(fields[1]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("JL: job id: %w", err)
	}
	dirID, err := strconv.ParseUint(string(fields[2]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("JL: dir id: %w", err)
	}
	loptions, err := strconv.ParseInt(string(fields[3]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("JL: loptions: %w", err)
	}
	if len(fields[4]) != 1 {
		return nil, fmt.Errorf("JL: priority must be one character, got %q", fields[4])
	}

	recipient := fields[5]
	if blurred {
		recipient = Deblur(recipient)
	}
	if len(recipient) > p.recipientWidth() {
		p.warnOnce("JL", "recipient overflow", len(recipient))
		recipient = recipient[:p.recipientWidth()]
	}

	return JobListEntry{
		Pos: pos,
		Entry: types.JobEntry{
			JobID:       uint32(jobID),
			DirID:       uint32(dirID),
			NoOfLoption: int(loptions),
			Priority:    fields[4][0],
			Recipient:   string(recipient),
		},
	}, nil
}

// parseEL decodes "<host_pos>" followed by up to ErrorHistoryLength
// integers. The applier zero-fills the tail.
func (p *Parser) parseEL(payload []byte) (Update, error) {
	fields := bytes.Fields(payload)
	if len(fields) < 1 {
		return nil, fmt.Errorf("EL: missing host position")
	}
	pos, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("EL: host position: %w", err)
	}

	history := make([]int, 0, types.ErrorHistoryLength)
	for i, f := range fields[1:] {
		if i == types.ErrorHistoryLength {
			p.warnOnce("EL", "error history truncated", len(fields)-1)
			break
		}
		v, err := strconv.Atoi(string(f))
		if err != nil {
			return nil, fmt.Errorf("EL: entry %d: %w", i, err)
		}
		history = append(history, v)
	}
	return ErrorHistoryUpdate{HostPos: pos, History: history}, nil
}

// parseHistory decodes RH/TH/SH payloads: up to MaxLogHistory bytes, each
// an hourly severity offset by a space.
func (p *Parser) parseHistory(tag string, category int, payload []byte) (Update, error) {
	n := len(payload)
	if n > types.MaxLogHistory {
		p.warnOnce(tag, "log history truncated", n)
		n = types.MaxLogHistory
	}
	sev := make([]byte, n)
	for i := 0; i < n; i++ {
		sev[i] = p.severity(tag, payload[i])
	}
	return LogHistoryUpdate{Category: category, Severities: sev}, nil
}

// parseSR decodes the system log radar: the entry counter followed by up
// to LogFifoSize severity bytes.
func (p *Parser) parseSR(payload []byte) (Update, error) {
	fields := bytes.SplitN(payload, []byte{' '}, 2)
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil, fmt.Errorf("SR: missing entry counter")
	}
	counter, err := strconv.ParseUint(string(fields[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("SR: entry counter: %w", err)
	}

	var raw []byte
	if len(fields) > 1 {
		raw = fields[1]
	}
	if len(raw) > types.LogFifoSize {
		p.warnOnce("SR", "fifo truncated", len(raw))
		raw = raw[:types.LogFifoSize]
	}
	fifo := make([]byte, len(raw))
	for i, b := range raw {
		fifo[i] = p.severity("SR", b)
	}
	return SysLogRadar{Counter: counter, Fifo: fifo}, nil
}

// severity decodes one wire severity byte (severity + ' '). Unknown
// severities map to NoInformation and are logged once per tag.
func (p *Parser) severity(tag string, b byte) byte {
	if b < ' ' {
		p.warnOnce(tag, "severity byte below offset", int(b))
		return types.NoInformation
	}
	v := b - ' '
	if v > types.ColorPoolSize {
		p.warnOnce(tag, "unknown severity", int(v))
		return types.NoInformation
	}
	return v
}

func (p *Parser) clampString(tag, s string, max int) string {
	if len(s) > max {
		p.warnOnce(tag, "field overflow", len(s))
		return s[:max]
	}
	return s
}

func (p *Parser) warnOnce(tag, msg string, val int) {
	key := tag + "/" + msg
	if p.warned[key] {
		return
	}
	p.warned[key] = true
	p.log.Warn().Str("tag", tag).Int("value", val).Msg(msg)
}

func (p *Parser) aliasWidth() int {
	if w := p.typesize[types.TSAliasLength]; w > 0 && w < types.MaxAliasLength {
		return w
	}
	return types.MaxAliasLength
}

func (p *Parser) hostWidth() int {
	if w := p.typesize[types.TSHostnameLength]; w > 0 && w < types.MaxRealHostnameLength {
		return w
	}
	return types.MaxRealHostnameLength
}

func (p *Parser) dirAliasWidth() int {
	if w := p.typesize[types.TSDirAliasLength]; w > 0 && w < types.MaxDirNameLength {
		return w
	}
	return types.MaxDirNameLength
}

func (p *Parser) recipientWidth() int {
	if w := p.typesize[types.TSRecipientLength]; w > 0 && w < types.MaxRecipientLength {
		return w
	}
	return types.MaxRecipientLength
}

func parseInt(payload []byte) (uint64, error) {
	fields := bytes.Fields(payload)
	if len(fields) == 0 {
		return 0, fmt.Errorf("missing integer field")
	}
	v, err := strconv.ParseUint(string(fields[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer field: %w", err)
	}
	return v, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
