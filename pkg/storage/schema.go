package storage

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Key prefixes for different data types
const (
	prefixTables     = "/meta/tables/"
	prefixCheckpoint = "/meta/checkpoint/"
	prefixTable      = "/tbl/"
)

// Key layout
//
//	/meta/tables/<table>                                  -> TableInfo JSON
//	/meta/checkpoint/<chain>/<entity>                     -> Checkpoint JSON
//	/tbl/<table>/seq                                      -> next row sequence
//	/tbl/<table>/rows/<chain>/<block_date>/<seq>          -> Transaction JSON
//	/tbl/<table>/idx/<chain>/<block>/<hash>               -> row key
//
// Rows are partitioned by chain and block date so date-bounded scans only
// visit matching partitions. Block numbers and sequences are zero padded to
// keep lexical and numeric order aligned.

// TableMetaKey returns the key of a table's metadata
func TableMetaKey(table string) []byte {
	return []byte(prefixTables + table)
}

// CheckpointKey returns the key of a checkpoint
func CheckpointKey(chainID int64, entity string) []byte {
	return []byte(fmt.Sprintf("%s%d/%s", prefixCheckpoint, chainID, strings.ToLower(entity)))
}

// TableSeqKey returns the key of a table's row sequence counter
func TableSeqKey(table string) []byte {
	return []byte(prefixTable + table + "/seq")
}

// TableRowsPrefix returns the prefix of every row in a table
func TableRowsPrefix(table string) []byte {
	return []byte(prefixTable + table + "/rows/")
}

// ChainRowsPrefix returns the prefix of a table's rows for one chain
func ChainRowsPrefix(table string, chainID int64) []byte {
	return []byte(fmt.Sprintf("%s%s/rows/%d/", prefixTable, table, chainID))
}

// PartitionPrefix returns the prefix of one chain/date partition
func PartitionPrefix(table string, chainID int64, blockDate string) []byte {
	return []byte(fmt.Sprintf("%s%s/rows/%d/%s/", prefixTable, table, chainID, blockDate))
}

// RowKey returns the key of one row
func RowKey(table string, chainID int64, blockDate string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/rows/%d/%s/%020d", prefixTable, table, chainID, blockDate, seq))
}

// IdentityKey returns the identity index key of a transaction
func IdentityKey(table string, chainID int64, block uint64, hash string) []byte {
	return []byte(fmt.Sprintf("%s%s/idx/%d/%020d/%s", prefixTable, table, chainID, block, strings.ToLower(hash)))
}

// TablePrefix returns the prefix of all of a table's data
func TablePrefix(table string) []byte {
	return []byte(prefixTable + table + "/")
}

// EncodeUint64 encodes a uint64 to bytes (big-endian)
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes bytes to uint64 (big-endian)
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 data length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// incrementPrefix returns a prefix that is one greater than the input
// Used for creating upper bounds in range scans
func incrementPrefix(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result
		}
		result[i] = 0
	}
	// All bytes were 0xff, extend with a null byte
	return append(result, 0)
}
