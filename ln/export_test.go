package ln

// DecodeRestHash exposes decodeRestHash to the external test package.
var DecodeRestHash = decodeRestHash
