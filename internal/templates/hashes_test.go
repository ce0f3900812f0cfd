package templates

var recordedHashes = map[Name]string{
	V2Default:                                  "f5bfa2a9af39070b2d1f0bc6f15808844e71075f36dcd55746310444dfc403c4",
	V2DefaultNoInputSchema:                     "46a90e0a21e24e87bed354d9d3943049d17f76a06f14c9cfc600821f5a79e7c1",
	V2StructuredGeneration:                     "00a59b0f2d53f376bf2eb4af5580e99ea253c26e692a823cd3f32da6895ebdde",
	V2StructuredGenerationNoInputSchema:        "87090a0940cf1979a4dbe1d4c36d089ff0248643f72f5cda801f85a38730faaf",
	V2ToolUse:                                  "3c808e81c9510875d531faa9801c03594a9d6bf51d36f96413ec15dc0e1a3f82",
	V2ToolUseNoInputSchema:                     "4984afe16f028cae28d4074fe82a8a80d357957572b7b96a2df99b06d07c7004",
	V2ToolUseStructuredGeneration:              "4165fc36d5e18b883fc38577ad991575c4837d796c52194ea561076a0d6b8736",
	V2ToolUseStructuredGenerationNoInputSchema: "8cec71fda9d1337821580ae39eadc0b92b0794c9dd61d302e71e6be4f6db27a8",
	V1:                                         "378813dd6cda42b462cfa4ac4f6db7d0bde169129ac5347a605ea0d93c6a04a3",
	V1ToolUse:                                  "6792fbb59f4a564af96b14d428d53fbb318bc5897f5ecd685d3faa03337953cd",
	V1NativeTools:                              "dc397dfb53d2b622a4f0eac69bfc015e2271f42411e569fb6ff5efd018e5c8a0",
}
