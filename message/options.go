package message

import (
	"errors"
	"sort"
	"strings"
)

// Options is a list of options sorted by option ID. Repeated options keep their
// insertion order.
type Options []Option

const maxPathValue = 255

// findPosition returns the index of the first option with ID >= id when prepend is set,
// otherwise the index of the first option with ID > id.
func (options Options) findPosition(id OptionID, prepend bool) int {
	if prepend {
		return sort.Search(len(options), func(i int) bool { return options[i].ID >= id })
	}
	return sort.Search(len(options), func(i int) bool { return options[i].ID > id })
}

// Find returns the range [first, last) of options with the given ID.
func (options Options) Find(id OptionID) (int, int, error) {
	idxPre := options.findPosition(id, true)
	idxPost := options.findPosition(id, false)
	if idxPre == idxPost {
		return -1, -1, ErrOptionNotFound
	}
	return idxPre, idxPost, nil
}

func (options Options) HasOption(id OptionID) bool {
	_, _, err := options.Find(id)
	return err == nil
}

// Add inserts the option after all options with the same ID.
func (options Options) Add(opt Option) Options {
	idx := options.findPosition(opt.ID, false)
	options = append(options, Option{})
	copy(options[idx+1:], options[idx:])
	options[idx] = opt
	return options
}

// Set replaces all options with the ID of opt by opt.
func (options Options) Set(opt Option) Options {
	return options.Remove(opt.ID).Add(opt)
}

// Remove removes all options with the given ID.
func (options Options) Remove(id OptionID) Options {
	idxPre := options.findPosition(id, true)
	idxPost := options.findPosition(id, false)
	if idxPre == idxPost {
		return options
	}
	return append(options[:idxPre], options[idxPost:]...)
}

// Sort returns a copy of options ordered by ID. Repeated options keep their relative order.
func (options Options) Sort() Options {
	if options == nil {
		return nil
	}
	sorted := make(Options, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

func (options Options) addStrings(id OptionID, values []string) (Options, error) {
	for _, v := range values {
		if len(v) > maxPathValue {
			return options, ErrInvalidValueLength
		}
		options = options.Add(Option{ID: id, Value: []byte(v)})
	}
	return options, nil
}

// SetPath replaces Uri-Path options by the segments of path. Empty segments are skipped,
// so "/sensor/temp", "sensor/temp" and "/sensor//temp/" are equivalent.
func (options Options) SetPath(path string) (Options, error) {
	o := options.Remove(URIPath)
	segments := make([]string, 0, strings.Count(path, "/")+1)
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return o.addStrings(URIPath, segments)
}

// Path joins Uri-Path options into an absolute path. Without Uri-Path options it is "/".
func (options Options) Path() (string, error) {
	segments, err := options.ReadStrings(URIPath)
	if errors.Is(err, ErrOptionNotFound) {
		return "/", nil
	}
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(segments, "/"), nil
}

// AddQuery appends a Uri-Query option.
func (options Options) AddQuery(query string) (Options, error) {
	return options.addStrings(URIQuery, []string{query})
}

// Queries returns the values of Uri-Query options.
func (options Options) Queries() ([]string, error) {
	return options.ReadStrings(URIQuery)
}

// ReadStrings returns values of all options with the ID as strings.
func (options Options) ReadStrings(id OptionID) ([]string, error) {
	firstIdx, lastIdx, err := options.Find(id)
	if err != nil {
		return nil, err
	}
	r := make([]string, 0, lastIdx-firstIdx)
	for i := firstIdx; i < lastIdx; i++ {
		r = append(r, string(options[i].Value))
	}
	return r, nil
}

func (options Options) GetBytes(id OptionID) ([]byte, error) {
	firstIdx, _, err := options.Find(id)
	if err != nil {
		return nil, err
	}
	return options[firstIdx].Value, nil
}

func (options Options) GetUint32(id OptionID) (uint32, error) {
	firstIdx, _, err := options.Find(id)
	if err != nil {
		return 0, err
	}
	val, _, err := DecodeUint32(options[firstIdx].Value)
	return val, err
}

func (options Options) SetUint32(id OptionID, value uint32) Options {
	buf := make([]byte, 4)
	enc, _ := EncodeUint32(buf, value)
	if enc == 0 {
		return options.Set(Option{ID: id})
	}
	return options.Set(Option{ID: id, Value: buf[:enc]})
}

func (options Options) SetContentFormat(contentFormat MediaType) Options {
	return options.SetUint32(ContentFormat, uint32(contentFormat))
}

func (options Options) ContentFormat() (MediaType, error) {
	v, err := options.GetUint32(ContentFormat)
	return MediaType(v), err
}

func (options Options) SetAccept(contentFormat MediaType) Options {
	return options.SetUint32(Accept, uint32(contentFormat))
}

// SetObserve sets the Observe option. In a request 0 registers an observation and 1
// deregisters it.
func (options Options) SetObserve(observe uint32) Options {
	return options.SetUint32(Observe, observe)
}

// Observe returns the Observe option, the sequence number of a notification.
func (options Options) Observe() (uint32, error) {
	return options.GetUint32(Observe)
}

func (options Options) ETag() ([]byte, error) {
	return options.GetBytes(ETag)
}

// Marshal encodes sorted options with delta encoding. With a nil or short buffer it
// returns the needed size and ErrTooSmall.
func (options Options) Marshal(buf []byte) (int, error) {
	previousID := OptionID(0)
	length := 0
	tooSmall := false

	for _, o := range options {
		var b []byte
		if !tooSmall && length <= len(buf) {
			b = buf[length:]
		}
		optionLength, err := o.Marshal(b, previousID)
		switch err {
		case nil:
		case ErrTooSmall:
			tooSmall = true
		default:
			return -1, err
		}
		previousID = o.ID
		length += optionLength
	}
	if tooSmall {
		return length, ErrTooSmall
	}
	return length, nil
}

// Unmarshal decodes options until the payload marker or the end of data. The marker
// itself is not consumed.
func (options *Options) Unmarshal(data []byte) (int, error) {
	prev := 0
	processed := 0
	for len(data) > 0 {
		if data[0] == 0xff {
			break
		}

		delta := int(data[0] >> 4)
		length := int(data[0] & 0x0f)

		if delta == ExtendOptionError || length == ExtendOptionError {
			return -1, ErrOptionUnexpectedExtendMarker
		}

		data = data[1:]
		processed++

		proc, delta, err := parseExtOpt(data, delta)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]
		proc, length, err = parseExtOpt(data, length)
		if err != nil {
			return -1, err
		}
		processed += proc
		data = data[proc:]

		if len(data) < length {
			return -1, ErrOptionTruncated
		}
		id := prev + delta
		if id > int(^OptionID(0)) {
			return -1, ErrInvalidEncoding
		}
		var value []byte
		if length > 0 {
			value = make([]byte, length)
			copy(value, data[:length])
		}
		*options = append(*options, Option{ID: OptionID(id), Value: value})

		processed += length
		data = data[length:]
		prev = id
	}
	return processed, nil
}
