package winlink

// Exported wrappers around unexported functions, for use only from
// this package's external test file.
func ExportSecureResponse(challenge, password string) string {
	return secureResponse(challenge, password)
}

func ExportChecksum(data []byte) byte {
	return checksum(data)
}
