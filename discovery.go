package tapsign

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
	"github.com/status-im/tapsign-go/types"
)

const compressedKeyHexLen = 66

// ScanResult is everything learned from the card in one discovery pass.
type ScanResult struct {
	Slots []types.KeySlot
	Info  types.CardInfo
	// Path is how the slots were read: batched, fallback or refetch.
	Path string
}

// Discovery finds the usable key slots on the card.
type Discovery struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDiscovery(logger *zap.Logger, m *metrics.Metrics) *Discovery {
	return &Discovery{logger: logging.OrNop(logger), metrics: m}
}

// Discover returns the usable slots ordered by priority, at most one per slot.
func (d *Discovery) Discover(ctx context.Context, ch types.Channel) ([]types.KeySlot, error) {
	res, err := d.Scan(ctx, ch)
	if err != nil {
		return nil, err
	}
	return res.Slots, nil
}

func (d *Discovery) Scan(ctx context.Context, ch types.Channel) (*ScanResult, error) {
	cs := NewCommandSet(ch)

	resp, err := cs.GetDataStruct(ctx, discoveryFields...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, types.ErrNotPaired) || errors.Is(err, types.ErrNotConnected) {
			return nil, err
		}

		d.logger.Warn("batched key read failed, reading slots one by one", zap.Error(err))
		d.metrics.RecordDiscovery(metrics.PathFallback)

		slots, err := d.fallback(ctx, cs)
		if err != nil {
			return nil, err
		}

		d.metrics.RecordSlotsFound(len(slots))
		return &ScanResult{Slots: slots, Path: metrics.PathFallback}, nil
	}

	res := &ScanResult{Info: types.ParseCardInfo(resp), Path: metrics.PathBatched}

	slots, topCorrupt := d.fromBatch(resp)
	if topCorrupt {
		top := DiscoveryPriority[0]
		slot, err := d.readSlot(ctx, cs, top)
		switch {
		case err == nil:
			slots = []types.KeySlot{*slot}
			res.Path = metrics.PathRefetch
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			logging.WithSlot(d.logger, top).Warn("re-reading slot failed", zap.Error(err))
		}
	}

	res.Slots = slots
	d.metrics.RecordDiscovery(res.Path)
	d.metrics.RecordSlotsFound(len(slots))

	return res, nil
}

// fromBatch decodes the slots of the batched read. A slot that fails to decode is
// skipped; topCorrupt reports that the highest priority slot was among them.
func (d *Discovery) fromBatch(resp *types.DataStructResponse) (slots []types.KeySlot, topCorrupt bool) {
	for _, slot := range DiscoveryPriority {
		raw, ok := resp.Value(types.FieldName(FieldCompressedPublicKey, slot))
		if !ok {
			continue
		}

		pubKey, err := DecodeCompressedKey(raw)
		if err != nil {
			logging.WithSlot(d.logger, slot).Warn("skipping undecodable key", zap.Error(err))
			if slot == DiscoveryPriority[0] {
				topCorrupt = true
			}
			continue
		}

		attested := false
		if hasAttestation(slot) {
			_, attested = resp.Value(types.FieldName(FieldPublicKeyAttest, slot))
		}

		slots = append(slots, types.NewKeySlot(slot, pubKey, attested))
		if slot == DiscoveryPriority[0] {
			break
		}
	}

	return slots, topCorrupt
}

func (d *Discovery) fallback(ctx context.Context, cs *CommandSet) ([]types.KeySlot, error) {
	var slots []types.KeySlot

	for _, slot := range DiscoveryPriority {
		ks, err := d.readSlot(ctx, cs, slot)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if types.IsCardAbsence(err) {
				return nil, err
			}

			logging.WithSlot(d.logger, slot).Debug("slot not usable", zap.Error(err))
			continue
		}

		slots = append(slots, *ks)
		if slot == DiscoveryPriority[0] {
			break
		}
	}

	return slots, nil
}

// readSlot reads one slot with get_key_info, fetching the attestation separately
// when the key info does not carry it.
func (d *Discovery) readSlot(ctx context.Context, cs *CommandSet, slot int) (*types.KeySlot, error) {
	info, err := cs.GetKeyInfo(ctx, slot)
	if err != nil {
		return nil, err
	}

	pubKey, err := types.ParsePublicKey(info.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}

	attested := info.AttestSig != ""
	if !attested && hasAttestation(slot) {
		resp, err := cs.GetDataStruct(ctx, types.FieldName(FieldPublicKeyAttest, slot))
		switch {
		case err == nil:
			_, attested = resp.Value(types.FieldName(FieldPublicKeyAttest, slot))
		case types.IsCardAbsence(err):
			return nil, err
		default:
			logging.WithSlot(d.logger, slot).Debug("attestation not readable", zap.Error(err))
		}
	}

	ks := types.NewKeySlot(slot, pubKey, attested)
	return &ks, nil
}

// NormalizeCompressedKey strips an optional 0x prefix and forces the key to 66
// hex characters, truncating extra characters and right-padding with zeros.
func NormalizeCompressedKey(s string) ([33]byte, error) {
	var out [33]byte

	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) > compressedKeyHexLen {
		s = s[:compressedKeyHexLen]
	}
	if len(s) < compressedKeyHexLen {
		s += strings.Repeat("0", compressedKeyHexLen-len(s))
	}

	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, err
	}

	return out, nil
}

// DecodeCompressedKey normalizes and decompresses a key read from the card.
func DecodeCompressedKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := NormalizeCompressedKey(s)
	if err != nil {
		return nil, err
	}

	if raw[0] != 0x02 && raw[0] != 0x03 {
		return nil, errors.New("not a compressed public key")
	}

	return crypto.DecompressPubkey(raw[:])
}

// SelectKeySlot returns the highest priority slot.
func SelectKeySlot(slots []types.KeySlot) (types.KeySlot, error) {
	if len(slots) == 0 {
		return types.KeySlot{}, &types.NoValidKeySlotError{}
	}
	return slots[0], nil
}
