package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "import":
		return runImport(args[1:])
	case "add":
		return runAddSource(args[1:])
	case "list":
		return runListSources(args[1:])
	case "remove":
		return runRemoveSource(args[1:])
	case "folder":
		return runFolder(args[1:])
	case "enable":
		return runToggle(args[1:], true)
	case "disable":
		return runToggle(args[1:], false)
	case "export":
		return runExport(args[1:])
	case "download":
		return runDownload(args[1:])
	case "sync":
		return runSync(args[1:])
	case "run":
		return runJob(args[1:])
	case "rename":
		return runRename(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "manage":
		return runManage(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "token":
		return runToken(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("tdl-archive-manager: incremental Telegram media archive on top of tdl")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  tdl-archive-manager doctor")
	fmt.Println("  tdl-archive-manager import")
	fmt.Println("  tdl-archive-manager enable --source <id> --job download")
	fmt.Println("  tdl-archive-manager serve")
	fmt.Println()
	fmt.Println("Source Commands:")
	fmt.Println("  import    import chats listed by tdl as sources")
	fmt.Println("  add       add a single source by chat id")
	fmt.Println("  list      list sources with schedule flags and checkpoints")
	fmt.Println("  remove    delete a source and its history")
	fmt.Println("  folder    set the download folder name of a source")
	fmt.Println("  enable    enable scheduled sync or download for a source")
	fmt.Println("  disable   disable scheduled sync or download for a source")
	fmt.Println("  manage    interactive source manager")
	fmt.Println()
	fmt.Println("Job Commands:")
	fmt.Println("  export    export message metadata for source(s)")
	fmt.Println("  download  download missing files from the latest export")
	fmt.Println("  sync      export then download for source(s)")
	fmt.Println("  run       run one scheduler job, or the scheduled batch, now")
	fmt.Println("  rename    rename downloaded files to canonical names")
	fmt.Println("  jobs      show job history")
	fmt.Println()
	fmt.Println("Service Commands:")
	fmt.Println("  serve     run the scheduler and admin API")
	fmt.Println("  doctor    run dependency and filesystem preflight checks")
	fmt.Println("  token     mint an API bearer token")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Use --json on commands for machine-readable output")
	fmt.Println("  - --source accepts the internal id or the Telegram chat id")
}
