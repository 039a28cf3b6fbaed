package cli

// Short messages (one-liners)
const (
	// Command descriptions
	MsgRootShort       = "Apply and roll back patches on layered server installations"
	MsgApplyShort      = "Apply a patch archive to the installation"
	MsgRollbackShort   = "Roll back a patch and every patch applied after it"
	MsgHistoryShort    = "Show the patches applied to the installation"
	MsgInfoShort       = "Show the installation state"
	MsgInitShort       = "Create the state of a new, unpatched installation"
	MsgVersionShort    = "Print version information"
	MsgCompletionShort = "Generate shell completion script"
	MsgManShort        = "Generate man pages into a directory"

	// Status messages
	MsgInstallationCreated = "Created installation %s %s at %s"
	MsgConfigWritten       = "Wrote default configuration to %s"
	MsgConfigExists        = "Configuration %s already exists, left untouched"

	// Error messages
	MsgErrNoCommand    = "no command specified"
	MsgErrOpenArchive  = "failed to open patch archive %s"
	MsgErrWriteMetrics = "failed to write metrics textfile"

	// Flag descriptions
	MsgFlagVerbose     = "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)"
	MsgFlagConfig      = "Configuration file (default is $XDG_CONFIG_HOME/layerpatch/config.toml)"
	MsgFlagRoot        = "Installation root directory"
	MsgFlagOutput      = "Output format: auto, term, text or yaml"
	MsgFlagOverrideAll = "Overwrite every conflicting item"
	MsgFlagOverride    = "Glob of conflicting items to overwrite (repeatable)"
	MsgFlagPreserve    = "Glob of items whose live content is kept (repeatable)"
	MsgFlagLayer       = "Layer of the new installation (repeatable)"
	MsgFlagAddOn       = "Add-on of the new installation (repeatable)"
	MsgFlagWriteConfig = "Also write a commented default configuration file"
)

// Long messages
const (
	MsgRootLong = `layerpatch applies patches to a layered server installation and rolls them
back. A patch updates the installation identity and the modules and bundles of
its layers and add-ons. Every applied patch leaves a history entry from which
it can later be rolled back.`

	MsgApplyLong = `Apply reads a patch archive, checks that it applies to the installation and
that its prerequisites hold, then updates files and modules. Items changed
since the patch was built are conflicts; resolve them with --override-all,
--override or --preserve.`

	MsgRollbackLong = `Rollback restores the installation state from before the patch. Patches
applied after it are rolled back too, newest first.`

	MsgInitLong = `Init records a new installation with the given name and version. Layers and
add-ons get empty content roots.`
)
