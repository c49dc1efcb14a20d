package filevault

import (
	"bytes"
	"encoding/binary"

	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrorFileHeaderMissing is returned when a stored blob does not start with the expected header
	ErrorFileHeaderMissing = utils.NewKapyError("FILEVAULT_FILE_HEADER_MISSING", "blob does not include correct header")
	// ErrorFileHeaderLength is returned when a blob ends before its declared header length
	ErrorFileHeaderLength = utils.NewKapyError("FILEVAULT_FILE_HEADER_LENGTH", "unexpected end of blob - bad header length")
	// ErrorFileHeaderMismatch is returned when the header identifies a different file than the one requested
	ErrorFileHeaderMismatch = utils.NewKapyError("FILEVAULT_FILE_HEADER_MISMATCH", "blob header does not match the requested file")
)

const (
	headerMagic   = "KAPY.CHAT_"
	headerVersion = "1"
)

// sealHeader prepends the file header to the ciphertext before it goes to
// object storage: magic, little-endian bson length, bson header, ciphertext.
func sealHeader(fileId string, ciphertext []byte) ([]byte, error) {
	header := common_models.EncryptedFileHeader{Version: headerVersion, FileId: fileId}
	bsonHeader, err := bson.Marshal(header)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	bsonLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(bsonLength, uint32(len(bsonHeader)))

	output := bytes.Buffer{}
	output.WriteString(headerMagic)
	output.Write(bsonLength)
	output.Write(bsonHeader)
	output.Write(ciphertext)
	return output.Bytes(), nil
}

// parseHeader splits a stored blob into its header and ciphertext.
func parseHeader(data []byte) (*common_models.EncryptedFileHeader, []byte, error) {
	if len(data) < len(headerMagic)+4 || !bytes.Equal(data[:len(headerMagic)], []byte(headerMagic)) {
		return nil, nil, tracerr.Wrap(ErrorFileHeaderMissing)
	}
	rest := data[len(headerMagic):]

	bsonLength := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < bsonLength {
		return nil, nil, tracerr.Wrap(ErrorFileHeaderLength)
	}

	var header common_models.EncryptedFileHeader
	err := bson.Unmarshal(rest[:bsonLength], &header)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return &header, rest[bsonLength:], nil
}
