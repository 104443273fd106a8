package command

import (
	"encoding/binary"
	"errors"

	"github.com/marmos91/dittobus/internal/protocol/item"
	"github.com/marmos91/dittobus/pkg/broker"
)

// copyCommand validates the declared size of a raw client buffer against
// the command's fixed header size and copies it once into an owned buffer.
//
// The returned slice is the full command, size field included; the item
// stream starts at headerSize.
func copyCommand(buf []byte, headerSize uint64) ([]byte, error) {
	if uint64(len(buf)) < 8 {
		return nil, &broker.Error{Code: broker.ErrBadAddress, Message: "command buffer unreadable"}
	}

	size := binary.LittleEndian.Uint64(buf[0:8])
	if size < headerSize {
		return nil, &broker.Error{Code: broker.ErrTooSmall, Message: "command size below fixed header"}
	}
	if size > MaxCommandSize {
		return nil, &broker.Error{Code: broker.ErrTooLarge, Message: "command size above maximum"}
	}
	if uint64(len(buf)) < size {
		return nil, &broker.Error{Code: broker.ErrBadAddress, Message: "command buffer shorter than declared size"}
	}

	owned := make([]byte, size)
	copy(owned, buf[:size])
	return owned, nil
}

// framingError translates an item-stream framing failure into its broker
// error kind.
func framingError(err error) error {
	switch {
	case errors.Is(err, item.ErrItemTooShort),
		errors.Is(err, item.ErrItemOverrun),
		errors.Is(err, item.ErrTrailingBytes):
		return &broker.Error{Code: broker.ErrInvalidArgument, Message: "malformed item stream"}
	default:
		return err
	}
}

// decodeNameItem validates a creation-name item payload: present,
// NUL-terminated, within the name bound, and printable UTF-8.
func decodeNameItem(i item.Item) (string, error) {
	n := len(i.Payload)
	switch {
	case n == 0:
		return "", &broker.Error{Code: broker.ErrInvalidArgument, Message: "empty name item"}
	case n < 2:
		return "", &broker.Error{Code: broker.ErrTooSmall, Message: "name item too short"}
	case n > maxBusNamePayload:
		return "", &broker.Error{Code: broker.ErrNameTooLong, Message: "name item too long"}
	}

	name, ok := i.NulString()
	if !ok {
		return "", &broker.Error{Code: broker.ErrInvalidArgument, Message: "name not NUL-terminated"}
	}
	if err := validateMakeName(name); err != nil {
		return "", err
	}
	return name, nil
}

// DecodeBusMake parses and validates a make-bus command from a raw client
// buffer. The returned command owns its buffer; the name references it.
func DecodeBusMake(buf []byte) (*BusMake, error) {
	owned, err := copyCommand(buf, busMakeHeaderSize)
	if err != nil {
		return nil, err
	}

	cmd := &BusMake{
		Flags:     binary.LittleEndian.Uint64(owned[8:16]),
		BloomSize: binary.LittleEndian.Uint64(owned[16:24]),
	}

	var haveName, haveCgroup bool
	err = item.ForEach(owned[busMakeHeaderSize:], func(i item.Item) error {
		switch i.Type {
		case item.TypeMakeName:
			if haveName {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate name item"}
			}
			name, err := decodeNameItem(i)
			if err != nil {
				return err
			}
			cmd.Name = name
			haveName = true
			return nil

		case item.TypeMakeCgroup:
			if haveCgroup {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate cgroup item"}
			}
			v, ok := i.U64()
			if !ok {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "cgroup item payload not a u64"}
			}
			cmd.CgroupID = v
			haveCgroup = true
			return nil

		default:
			return &broker.Error{Code: broker.ErrNotSupported, Message: "unknown item type in make-bus", Object: i.Type.String()}
		}
	})
	if err != nil {
		return nil, framingError(err)
	}

	if !haveName {
		return nil, &broker.Error{Code: broker.ErrBadMessage, Message: "make-bus without name item"}
	}
	if err := ValidateBloomSize(cmd.BloomSize); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeNamespaceMake parses and validates a make-namespace command.
func DecodeNamespaceMake(buf []byte) (*NamespaceMake, error) {
	owned, err := copyCommand(buf, nsMakeHeaderSize)
	if err != nil {
		return nil, err
	}

	cmd := &NamespaceMake{
		Flags: binary.LittleEndian.Uint64(owned[8:16]),
	}

	var haveName bool
	err = item.ForEach(owned[nsMakeHeaderSize:], func(i item.Item) error {
		switch i.Type {
		case item.TypeMakeName:
			if haveName {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate name item"}
			}
			name, err := decodeNameItem(i)
			if err != nil {
				return err
			}
			cmd.Name = name
			haveName = true
			return nil
		default:
			return &broker.Error{Code: broker.ErrNotSupported, Message: "unknown item type in make-namespace", Object: i.Type.String()}
		}
	})
	if err != nil {
		return nil, framingError(err)
	}

	if !haveName {
		return nil, &broker.Error{Code: broker.ErrBadMessage, Message: "make-namespace without name item"}
	}
	return cmd, nil
}

// DecodeEndpointMake parses and validates a make-endpoint command.
func DecodeEndpointMake(buf []byte) (*EndpointMake, error) {
	owned, err := copyCommand(buf, epMakeHeaderSize)
	if err != nil {
		return nil, err
	}

	cmd := &EndpointMake{
		Flags: binary.LittleEndian.Uint64(owned[8:16]),
		Mode:  uint32(binary.LittleEndian.Uint64(owned[16:24]) & 0o777),
	}

	var haveName bool
	err = item.ForEach(owned[epMakeHeaderSize:], func(i item.Item) error {
		switch i.Type {
		case item.TypeMakeName:
			if haveName {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate name item"}
			}
			name, err := decodeNameItem(i)
			if err != nil {
				return err
			}
			cmd.Name = name
			haveName = true
			return nil
		default:
			return &broker.Error{Code: broker.ErrNotSupported, Message: "unknown item type in make-endpoint", Object: i.Type.String()}
		}
	})
	if err != nil {
		return nil, framingError(err)
	}

	if !haveName {
		return nil, &broker.Error{Code: broker.ErrBadMessage, Message: "make-endpoint without name item"}
	}
	if cmd.Mode == 0 {
		cmd.Mode = AccessMode(cmd.Flags)
	}
	return cmd, nil
}

// DecodeHello parses and validates a hello command. Every item is an
// optional singleton; an absent pool-size item selects DefaultPoolSize.
func DecodeHello(buf []byte) (*Hello, error) {
	owned, err := copyCommand(buf, helloHeaderSize)
	if err != nil {
		return nil, err
	}

	cmd := &Hello{
		Flags:    binary.LittleEndian.Uint64(owned[8:16]),
		PoolSize: DefaultPoolSize,
	}

	var haveLabel, haveAttach, havePool bool
	err = item.ForEach(owned[helloHeaderSize:], func(i item.Item) error {
		switch i.Type {
		case item.TypeConnName:
			if haveLabel {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate conn-name item"}
			}
			if len(i.Payload) == 0 {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "empty conn-name item"}
			}
			if len(i.Payload) > maxBusNamePayload {
				return &broker.Error{Code: broker.ErrNameTooLong, Message: "conn-name item too long"}
			}
			label, ok := i.NulString()
			if !ok {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "conn-name not NUL-terminated"}
			}
			cmd.Label = label
			haveLabel = true
			return nil

		case item.TypeAttachFlags:
			if haveAttach {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate attach-flags item"}
			}
			v, ok := i.U64()
			if !ok {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "attach-flags payload not a u64"}
			}
			cmd.AttachMask = v
			haveAttach = true
			return nil

		case item.TypePoolSize:
			if havePool {
				return &broker.Error{Code: broker.ErrAlreadyExists, Message: "duplicate pool-size item"}
			}
			v, ok := i.U64()
			if !ok {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "pool-size payload not a u64"}
			}
			if v == 0 || v > MaxPoolSize {
				return &broker.Error{Code: broker.ErrInvalidArgument, Message: "pool size out of range"}
			}
			cmd.PoolSize = v
			havePool = true
			return nil

		default:
			return &broker.Error{Code: broker.ErrNotSupported, Message: "unknown item type in hello", Object: i.Type.String()}
		}
	})
	if err != nil {
		return nil, framingError(err)
	}
	return cmd, nil
}
